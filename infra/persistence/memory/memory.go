// Package memory is a Persistence backend keeping entities in process
// memory. It supports failure injection for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/model"
)

// Op names a persistence call for failure injection.
type Op string

const (
	OpLoad   Op = "load"
	OpSave   Op = "save"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// FailFunc decides whether a call must fail. A nil return lets it through.
type FailFunc func(op Op, key assignment.Key) error

// Store is an in-memory Persistence.
type Store struct {
	mu       sync.RWMutex
	vehicles map[string]model.Vehicle
	jobs     map[string]model.Job
	fail     FailFunc
	calls    map[Op]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		vehicles: make(map[string]model.Vehicle),
		jobs:     make(map[string]model.Job),
		calls:    make(map[Op]int),
	}
}

// FailWith installs a failure injector; nil removes it.
func (s *Store) FailWith(f FailFunc) {
	s.mu.Lock()
	s.fail = f
	s.mu.Unlock()
}

// FailNth makes the nth call (1-based, counted from now) of op fail once.
func (s *Store) FailNth(op Op, n int, err error) {
	var mu sync.Mutex
	seen := 0
	s.FailWith(func(o Op, _ assignment.Key) error {
		if o != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == n {
			return err
		}
		return nil
	})
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// check must be called with mu held for writing.
func (s *Store) check(op Op, k assignment.Key) error {
	s.calls[op]++
	if s.fail == nil {
		return nil
	}
	if err := s.fail(op, k); err != nil {
		return fmt.Errorf("memory %s %s: %w: %w", op, k, model.ErrStorage, err)
	}
	return nil
}

func (s *Store) Load(_ context.Context, kind assignment.Kind, id string) (assignment.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignment.Key{Kind: kind, ID: id}
	if err := s.check(OpLoad, k); err != nil {
		return assignment.Entity{}, err
	}
	switch kind {
	case assignment.KindVehicle:
		if v, ok := s.vehicles[id]; ok {
			return assignment.VehicleEntity(v), nil
		}
	case assignment.KindJob:
		if j, ok := s.jobs[id]; ok {
			return assignment.JobEntity(j), nil
		}
	default:
		return assignment.Entity{}, fmt.Errorf("unknown kind %q", kind)
	}
	return assignment.Entity{}, model.NotFoundf("%s", k)
}

func (s *Store) Save(_ context.Context, e assignment.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSave, e.Key()); err != nil {
		return err
	}
	switch e.Kind {
	case assignment.KindVehicle:
		s.vehicles[e.Vehicle.ID] = e.Vehicle.Clone()
	case assignment.KindJob:
		s.jobs[e.Job.ID] = *e.Job
	}
	return nil
}

func (s *Store) Delete(_ context.Context, kind assignment.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignment.Key{Kind: kind, ID: id}
	if err := s.check(OpDelete, k); err != nil {
		return err
	}
	switch kind {
	case assignment.KindVehicle:
		if _, ok := s.vehicles[id]; !ok {
			return model.NotFoundf("%s", k)
		}
		delete(s.vehicles, id)
	case assignment.KindJob:
		if _, ok := s.jobs[id]; !ok {
			return model.NotFoundf("%s", k)
		}
		delete(s.jobs, id)
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

func (s *Store) ListAll(_ context.Context, kind assignment.Kind) ([]assignment.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpList, assignment.Key{Kind: kind}); err != nil {
		return nil, err
	}
	var out []assignment.Entity
	switch kind {
	case assignment.KindVehicle:
		for _, v := range s.vehicles {
			out = append(out, assignment.VehicleEntity(v))
		}
	case assignment.KindJob:
		for _, j := range s.jobs {
			out = append(out, assignment.JobEntity(j))
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().ID < out[j].Key().ID })
	return out, nil
}
