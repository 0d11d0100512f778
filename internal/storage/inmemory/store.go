package inmemory

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	actionsTable = "actions"
	rulesTable   = "indexing_rules"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		actionsTable: {
			Name: actionsTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
				"deployment": {
					Name:         "deployment",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "DeploymentID"},
				},
				"allocation": {
					Name:         "allocation",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "AllocationID", Lowercase: true},
				},
			},
		},
		rulesTable: {
			Name: rulesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Identifier"},
							&memdb.StringFieldIndex{Field: "IdentifierType"},
						},
					},
				},
			},
		},
	},
}

// Store keeps actions and indexing rules in a transactional in-memory database.
// Memdb allows a single writer at a time, which makes every conditional
// transition atomic.
type Store struct {
	db     *memdb.MemDB
	nextID int64
	now    func() time.Time
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Store{
		db:  db,
		now: time.Now,
	}, nil
}
