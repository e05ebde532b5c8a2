package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kilianp07/fleetalloc/core/model"
)

// Fixture is the seed file layout.
type Fixture struct {
	Vehicles []VehicleFixture `yaml:"vehicles"`
	Jobs     []JobFixture     `yaml:"jobs"`
}

type VehicleFixture struct {
	ID           string `yaml:"id"`
	Identifier   string `yaml:"identifier"`
	LicencePlate string `yaml:"licence_plate"`
	Make         string `yaml:"make"`
	Owner        string `yaml:"owner"`
	Fleet        string `yaml:"fleet"`
}

type JobFixture struct {
	ID         string `yaml:"id"`
	Reference  string `yaml:"reference"`
	PickupFrom string `yaml:"pickup_from"`
	DeliverTo  string `yaml:"deliver_to"`
	OrderQty   int    `yaml:"order_qty"`
	Status     string `yaml:"status"`
	// Vehicle assigns the job once every record is written.
	Vehicle string `yaml:"vehicle"`
}

// seeder is the part of the remote client used to seed a server.
type seeder interface {
	PutVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
	PutJob(ctx context.Context, j model.Job) (model.Job, error)
	Assign(ctx context.Context, vehicleID, jobID string) (model.Vehicle, error)
}

// ParseFixture decodes and checks a seed file.
func ParseFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	vehicles := make(map[string]bool, len(f.Vehicles))
	for _, v := range f.Vehicles {
		if v.ID == "" {
			return Fixture{}, fmt.Errorf("vehicle without id")
		}
		vehicles[v.ID] = true
	}
	for _, j := range f.Jobs {
		if j.ID == "" {
			return Fixture{}, fmt.Errorf("job without id")
		}
		if _, err := model.ParseJobStatus(j.Status); err != nil {
			return Fixture{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
		if j.Vehicle != "" && !vehicles[j.Vehicle] {
			return Fixture{}, fmt.Errorf("job %s: unknown vehicle %s", j.ID, j.Vehicle)
		}
	}
	return f, nil
}

// Apply writes the fixture: vehicles, then jobs, then assignments.
func (f Fixture) Apply(ctx context.Context, s seeder) error {
	for _, v := range f.Vehicles {
		if _, err := s.PutVehicle(ctx, model.Vehicle{
			ID:           v.ID,
			Identifier:   v.Identifier,
			LicencePlate: v.LicencePlate,
			Make:         v.Make,
			Owner:        v.Owner,
			Fleet:        v.Fleet,
		}); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	for _, j := range f.Jobs {
		st, _ := model.ParseJobStatus(j.Status)
		if _, err := s.PutJob(ctx, model.Job{
			ID:         j.ID,
			Reference:  j.Reference,
			PickupFrom: j.PickupFrom,
			DeliverTo:  j.DeliverTo,
			OrderQty:   j.OrderQty,
			Status:     st,
		}); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	for _, j := range f.Jobs {
		if j.Vehicle == "" {
			continue
		}
		if _, err := s.Assign(ctx, j.Vehicle, j.ID); err != nil {
			return fmt.Errorf("assign %s to %s: %w", j.ID, j.Vehicle, err)
		}
	}
	return nil
}

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load vehicles and jobs from a YAML fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		fh, err := os.Open(seedFile)
		if err != nil {
			return err
		}
		defer func() { _ = fh.Close() }()
		fx, err := ParseFixture(fh)
		if err != nil {
			return err
		}
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		if err := fx.Apply(ctx, cli); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d vehicles and %d jobs\n", len(fx.Vehicles), len(fx.Jobs))
		return err
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "fixture file")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}
