package rcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbName      = "recoveryd.db"
	boltBackend = "bolt"
)

// DB holds database configuration for recoveryd.
//
//nolint:ll
type DB struct {
	Backend string `long:"backend" description:"The selected database backend." choice:"bolt"`

	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB creates and returns a new default DB config.
func DefaultDB() *DB {
	return &DB{
		Backend: boltBackend,
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync: true,
			DBTimeout:      kvdb.DefaultDBTimeout,
		},
	}
}

// Validate validates the DB config.
func (db *DB) Validate() error {
	switch db.Backend {
	case boltBackend:
		if db.Bolt == nil {
			return fmt.Errorf("db.bolt must be set")
		}

	default:
		return fmt.Errorf("unknown backend, must be \"%v\"",
			boltBackend)
	}

	return nil
}

// GetBackend opens the database in dbDir, creating it if needed.
func (db *DB) GetBackend(dbDir string) (kvdb.Backend, error) {
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return nil, err
	}

	return kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(dbDir, dbName),
		db.Bolt.NoFreelistSync, db.Bolt.DBTimeout, false,
	)
}

// Compile-time constraint to ensure DB implements the Validator interface.
var _ Validator = (*DB)(nil)
