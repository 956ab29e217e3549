// Package traffic keeps the capped traffic log and runs the ingestion step
// that feeds observed flows to the anomaly classifier.
package traffic

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/boundedlog"
	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// Store is the capped, append-only traffic log.
type Store struct {
	entries *boundedlog.Log[types.TrafficRecord]
	persist persist.Store
	log     *logrus.Logger
}

// NewStore creates a store retaining at most capacity records. persist may be nil.
func NewStore(capacity int, ps persist.Store, log *logrus.Logger) *Store {
	return &Store{
		entries: boundedlog.New[types.TrafficRecord](capacity),
		persist: ps,
		log:     log,
	}
}

// Load restores the persisted traffic log.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	var loaded []types.TrafficRecord
	if err := s.persist.Load(persist.CollectionTraffic, &loaded); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil
		}
		return err
	}
	s.entries.Replace(loaded)
	s.log.WithField("record_count", s.entries.Len()).Info("Loaded persisted traffic logs")
	return nil
}

// Add appends records and persists the log.
func (s *Store) Add(records ...types.TrafficRecord) {
	if len(records) == 0 {
		return
	}
	s.entries.Append(records...)
	s.save()
}

// List returns up to limit of the most recent records, or all when limit <= 0.
func (s *Store) List(limit int) []types.TrafficRecord {
	return s.entries.Snapshot(limit)
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	return s.entries.Len()
}

// Clear empties the log and persists the empty set.
func (s *Store) Clear() {
	s.entries.Clear()
	s.save()
	s.log.Info("Traffic logs cleared")
}

func (s *Store) save() {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(persist.CollectionTraffic, s.entries.Snapshot(0)); err != nil {
		s.log.WithError(err).Error("Failed to persist traffic logs")
	}
}
