// Package profile implements the profile registry (§4.E): (machine,
// material) -> Profile lookup with the machine-specific / material-default
// fallback, and uniqueness enforcement on the underlying (machine_id
// nullable, material_id) pair. It is grounded on the teacher's
// internal/api read-and-mutate handlers, generalized from HTTP handlers
// calling db/queries.go and db/transactions.go directly into a package any
// caller (poller, baseline learner, admin CLI) can use.
package profile

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

// Registry resolves and creates profiles against the SQLite store.
type Registry struct {
	conn *sql.DB
}

// New wraps an open database connection as a Registry.
func New(conn *sql.DB) *Registry {
	return &Registry{conn: conn}
}

// Resolve implements the §4.E lookup for a runtime (machine, material)
// pair: machine-specific profile if present, else material-default, else
// nil.
func (r *Registry) Resolve(machineID, materialID string) (*model.Profile, error) {
	p, err := db.GetProfileByMachineAndMaterial(r.conn, machineID, materialID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile for %s/%s: %w", machineID, materialID, err)
	}
	return p, nil
}

// GetByID retrieves a single profile by its ID.
func (r *Registry) GetByID(profileID string) (*model.Profile, error) {
	return db.GetProfileByID(r.conn, profileID)
}

// All returns every profile in the registry.
func (r *Registry) All() ([]model.Profile, error) {
	return db.GetAllProfiles(r.conn)
}

// Create inserts a new profile scoped to (machineID, materialID). Pass an
// empty machineID to create a material-default profile. Creation defaults
// to baseline_learning=true, baseline_ready=false per §4.E.
func (r *Registry) Create(machineID, materialID string) (*model.Profile, error) {
	profileID := uuid.NewString()

	tx, err := db.StartTransaction(r.conn)
	if err != nil {
		return nil, err
	}
	if err := db.CreateProfileWithTx(tx, profileID, machineID, materialID); err != nil {
		db.RollbackTransaction(tx)
		return nil, err
	}
	if err := db.CommitTransaction(tx); err != nil {
		return nil, err
	}

	return &model.Profile{
		ProfileID:        profileID,
		MachineID:        machineID,
		MaterialID:       materialID,
		BaselineLearning: true,
		BaselineReady:    false,
	}, nil
}
