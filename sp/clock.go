package sp

// Clock is the simulated time shared by all components, in model seconds.
// The scheduler is its sole mutator; every process group must report this
// time before a coupling exchange proceeds.
type Clock struct {
	now float64
}

// Now returns the current simulated time.
func (c *Clock) Now() float64 { return c.now }

// Advance moves the clock forward by dt model seconds.
func (c *Clock) Advance(dt float64) { c.now += dt }

// TimeTolerance is the slack allowed when comparing the simulated times
// reported by independent process groups against the clock.
const TimeTolerance = 1e-6
