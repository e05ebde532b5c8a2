package assignment

import (
	"context"
	"fmt"

	"github.com/kilianp07/fleetalloc/core/model"
)

// Kind identifies the entity kind handled by a Persistence backend.
type Kind string

const (
	KindVehicle Kind = "vehicle"
	KindJob     Kind = "job"
)

// Key addresses one persisted entity.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// Entity is the unit of persistence. Exactly one of Vehicle or Job is set,
// matching Kind.
type Entity struct {
	Kind    Kind
	Vehicle *model.Vehicle
	Job     *model.Job
}

// VehicleEntity wraps a vehicle.
func VehicleEntity(v model.Vehicle) Entity {
	vc := v.Clone()
	return Entity{Kind: KindVehicle, Vehicle: &vc}
}

// JobEntity wraps a job.
func JobEntity(j model.Job) Entity {
	return Entity{Kind: KindJob, Job: &j}
}

// Key returns the entity address.
func (e Entity) Key() Key {
	switch e.Kind {
	case KindVehicle:
		if e.Vehicle != nil {
			return Key{Kind: KindVehicle, ID: e.Vehicle.ID}
		}
	case KindJob:
		if e.Job != nil {
			return Key{Kind: KindJob, ID: e.Job.ID}
		}
	}
	return Key{Kind: e.Kind}
}

// Validate checks that the entity is well formed.
func (e Entity) Validate() error {
	switch e.Kind {
	case KindVehicle:
		if e.Vehicle == nil || e.Job != nil {
			return fmt.Errorf("vehicle entity must carry only a vehicle")
		}
		return e.Vehicle.Validate()
	case KindJob:
		if e.Job == nil || e.Vehicle != nil {
			return fmt.Errorf("job entity must carry only a job")
		}
		return e.Job.Validate()
	default:
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	}
}

// Persistence is the durable backend of the store. Implementations return
// model.ErrNotFound from Load for unknown ids and wrap other failures with
// model.ErrStorage.
type Persistence interface {
	Load(ctx context.Context, kind Kind, id string) (Entity, error)
	Save(ctx context.Context, e Entity) error
	Delete(ctx context.Context, kind Kind, id string) error
	ListAll(ctx context.Context, kind Kind) ([]Entity, error)
}

// Batcher is implemented by backends able to apply several writes
// atomically. The store prefers it over sequential writes.
type Batcher interface {
	Apply(ctx context.Context, saves []Entity, deletes []Key) error
}
