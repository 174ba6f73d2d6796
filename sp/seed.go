package sp

import "hash/fnv"

// DeriveSeed derives a per-group seed from the run's master seed, so each
// process group gets an isolated but reproducible random stream. Same
// derivation on every run: masterSeed XOR fnv1a64(groupName).
func DeriveSeed(master int64, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return master ^ int64(h.Sum64())
}
