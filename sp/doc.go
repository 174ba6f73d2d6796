// Package sp orchestrates a superparametrized climate run: one global
// circulation model (GCM) coupled to any number of limited-area large-eddy
// simulation (LES) instances, each owning a sub-region of the global grid.
//
// # Reading Guide
//
// Start with these three files to understand the coupling kernel:
//   - launcher.go: process groups, the two spawn strategies, aggregate teardown
//   - scheduler.go: the state machine, the per-step join barrier, spin-up
//   - exchanger.go: field regridding between the GCM grid and each region
//
// # Architecture
//
// The sp package defines the orchestration; supporting concerns live in
// sub-packages:
//   - sp/grid: polygon-to-grid-index mapping and region tiling
//   - sp/output: NetCDF coupling statistics
//   - sp/engines/synth: deterministic in-process model engines
//
// Model engines register themselves by role via init functions calling
// RegisterEngine; the memory channel serves registered engines in-process,
// while the mpi channel spawns external process groups and speaks the same
// operations over gob frames.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Channel: reliable field transport to one process group
//   - ProcessGroupFactory: static partition or dynamic spawn
//   - Engine: step / get-state / set-state face of one model instance
//   - Exchanger: the coupling exchange invoked by the scheduler
//   - grid.Tiling: the polygon subdivision policy
package sp
