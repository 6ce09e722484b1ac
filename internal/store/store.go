// Package store persists registry entries and job history to an embedded
// sqlite database so the supervisor can reconcile its view of the world
// after a process restart.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ComponentRecord is the persisted form of a registry entry.
type ComponentRecord struct {
	ID               string `gorm:"primaryKey"`
	Kind             string
	Image            string
	InstalledVersion string
	DesiredVersion   string
	State            string
	Healthy          bool
	ContainerID      string
	CPUShares        int64
	MemoryBytes      int64
	Ports            string // comma-joined host:container[/proto] specs
	BootPriority     int
	AutoUpdate       bool
	UpdatedAt        time.Time
}

// JobRecord is the persisted outcome of a completed job, retained for a
// bounded history window.
type JobRecord struct {
	ID          string `gorm:"primaryKey"`
	ComponentID string `gorm:"index"`
	Action      string
	Status      string
	Detail      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store wraps the embedded database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the supervisor database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening supervisor database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&ComponentRecord{}, &JobRecord{}); err != nil {
		return nil, fmt.Errorf("migrating supervisor database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveComponent(rec *ComponentRecord) error {
	return s.db.Save(rec).Error
}

func (s *Store) DeleteComponent(id string) error {
	return s.db.Delete(&ComponentRecord{}, "id = ?", id).Error
}

func (s *Store) Components() ([]ComponentRecord, error) {
	var recs []ComponentRecord
	if err := s.db.Order("boot_priority, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) SaveJob(rec *JobRecord) error {
	return s.db.Save(rec).Error
}

// Jobs returns the most recent completed jobs, newest first.
func (s *Store) Jobs(limit int) ([]JobRecord, error) {
	var recs []JobRecord
	q := s.db.Order("completed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PruneJobs drops job history completed before cutoff.
func (s *Store) PruneJobs(cutoff time.Time) error {
	return s.db.Delete(&JobRecord{}, "completed_at < ?", cutoff).Error
}
