// Package events defines the change events emitted by the allocation service
// and delivered to every observer through the fan-out channel.
//
// Available event kinds:
//   - JobAssigned / JobUnassigned: carry the full updated vehicle and job
//   - VehicleCreated / VehicleUpdated / VehicleDeleted: vehicle lifecycle
//   - JobCreated / JobUpdated / JobDeleted: job lifecycle
//
// Receivers replace records by id. The Revision field is the store revision
// of the commit that produced the event; entity versions are gated on it.
package events
