// Package vac glues the control-system layer to the accelerator simulation:
// it builds the served PV set for one operating mode and keeps it consistent
// with the simulated machine.
//
// # Reading Guide
//
// Start with these three files:
//   - pv.go: the PV kinds and how each one links a record to the lattice
//   - server.go: PV-set construction from the lattice and the data tables
//   - csv.go: the table formats (limits, feedback, alignment, mirror, tune)
//
// # Architecture
//
// The vac package programs against two external collaborator contracts;
// implementations live in sub-packages:
//   - vac/ca: the IOC record builder and the channel-access client
//     (vac/ca/memca is the in-process implementation)
//   - vac/lattice: the lattice abstraction, the CSV-backed lattice and the
//     recalculation engine boundary
//   - vac/regen: regeneration of the data tables from the live machine
//
// Setpoint writes flow record → SetpointPV → lattice; the recalculation
// engine coalesces them, runs the physics and calls Server.UpdatePVs, which
// refreshes every readback with no setpoint partner.
package vac
