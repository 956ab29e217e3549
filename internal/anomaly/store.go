package anomaly

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/boundedlog"
	"github.com/invisible-tech/endpoint-agent/internal/metrics"
	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

var (
	// ErrNotFound is returned when no anomaly has the given id.
	ErrNotFound = errors.New("anomaly not found")
	// ErrAlreadyResolved is returned when resolving a resolved anomaly.
	ErrAlreadyResolved = errors.New("anomaly already resolved")
)

// Notifier tells the authority about a resolution.
type Notifier interface {
	ResolveAnomaly(ctx context.Context, id, resolvedBy string) error
}

// Store is the capped anomaly log.
type Store struct {
	entries  *boundedlog.Log[types.Anomaly]
	persist  persist.Store
	notifier Notifier
	log      *logrus.Logger
	now      func() time.Time
}

// NewStore creates a store retaining at most capacity anomalies. persist and
// notifier may be nil.
func NewStore(capacity int, ps persist.Store, notifier Notifier, log *logrus.Logger) *Store {
	return &Store{
		entries:  boundedlog.New[types.Anomaly](capacity),
		persist:  ps,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Load restores the persisted anomaly log.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	var loaded []types.Anomaly
	if err := s.persist.Load(persist.CollectionAnomalies, &loaded); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil
		}
		return err
	}
	s.entries.Replace(loaded)
	s.log.WithField("anomaly_count", s.entries.Len()).Info("Loaded persisted anomalies")
	return nil
}

// Add appends anomalies and persists the log.
func (s *Store) Add(anomalies ...types.Anomaly) {
	if len(anomalies) == 0 {
		return
	}
	s.entries.Append(anomalies...)
	for _, a := range anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		s.log.WithFields(logrus.Fields{
			"anomaly_id":   a.ID,
			"anomaly_type": a.Type,
			"severity":     a.Severity,
			"traffic_id":   a.TrafficID,
		}).Warn("Traffic anomaly detected")
	}
	s.save()
}

// Get returns the anomaly with the given id.
func (s *Store) Get(id string) (types.Anomaly, bool) {
	return s.entries.Find(func(a types.Anomaly) bool { return a.ID == id })
}

// List returns up to limit of the most recent anomalies, oldest first.
// Resolved anomalies are skipped unless includeResolved is set.
func (s *Store) List(limit int, includeResolved bool) []types.Anomaly {
	all := s.entries.Snapshot(0)
	out := make([]types.Anomaly, 0, len(all))
	for _, a := range all {
		if a.Resolved && !includeResolved {
			continue
		}
		out = append(out, a)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained anomalies.
func (s *Store) Len() int {
	return s.entries.Len()
}

// Resolve marks the anomaly resolved. Resolution is terminal: resolving again
// returns ErrAlreadyResolved and changes nothing. The authority is notified
// best-effort; a failed notification does not undo the local resolution.
func (s *Store) Resolve(ctx context.Context, id, resolvedBy string) (types.Anomaly, error) {
	var (
		resolved types.Anomaly
		already  bool
	)
	found := s.entries.Update(func(a *types.Anomaly) bool {
		if a.ID != id {
			return false
		}
		if a.Resolved {
			already = true
			resolved = *a
			return true
		}
		at := s.now()
		a.Resolved = true
		a.ResolvedBy = resolvedBy
		a.ResolvedAt = &at
		resolved = *a
		return true
	})
	if !found {
		return types.Anomaly{}, ErrNotFound
	}
	if already {
		return resolved, ErrAlreadyResolved
	}

	metrics.AnomaliesResolved.Inc()
	s.log.WithFields(logrus.Fields{
		"anomaly_id":  id,
		"resolved_by": resolvedBy,
	}).Info("Anomaly resolved")
	s.save()
	s.notify(ctx, resolved)
	return resolved, nil
}

func (s *Store) notify(ctx context.Context, a types.Anomaly) {
	if s.notifier == nil {
		return
	}
	if !a.Delivered {
		s.log.WithField("anomaly_id", a.ID).Debug("Anomaly never reached the authority, skipping resolve notification")
		return
	}
	if err := s.notifier.ResolveAnomaly(ctx, a.ID, a.ResolvedBy); err != nil {
		s.log.WithError(err).WithField("anomaly_id", a.ID).Warn("Failed to notify authority of resolution")
	}
}

// MarkDelivered records that the authority accepted the anomaly, replacing
// the local placeholder id with authorityID when one was returned. It
// returns the updated anomaly.
func (s *Store) MarkDelivered(localID, authorityID string) (types.Anomaly, bool) {
	var updated types.Anomaly
	ok := s.entries.Update(func(a *types.Anomaly) bool {
		if a.ID != localID {
			return false
		}
		if authorityID != "" {
			a.ID = authorityID
		}
		a.Delivered = true
		updated = *a
		return true
	})
	if ok {
		s.save()
	}
	return updated, ok
}

func (s *Store) save() {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(persist.CollectionAnomalies, s.entries.Snapshot(0)); err != nil {
		s.log.WithError(err).Error("Failed to persist anomalies")
	}
}
