package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName = "settings"
	configKey  = "config"
)

// ErrNotFound is returned by Load when no configuration has been saved
var ErrNotFound = errors.New("config not found")

// Store defines the interface for configuration persistence
type Store interface {
	// Load reads the saved configuration
	Load() (Config, error)

	// Save overwrites the saved configuration
	Save(cfg Config) error

	// Close closes the underlying database
	Close() error
}

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the settings database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load reads the configuration stored under the config key
func (b *BoltStore) Load() (Config, error) {
	var cfg Config
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(configKey))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("unmarshaling config: %w", err)
		}
		return nil
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save replaces the stored configuration with cfg
func (b *BoltStore) Save(cfg Config) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		return tx.Bucket([]byte(bucketName)).Put([]byte(configKey), data)
	})
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
