package traffic

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/anomaly"
	"github.com/invisible-tech/endpoint-agent/internal/metrics"
	"github.com/invisible-tech/endpoint-agent/internal/types"
	"github.com/invisible-tech/endpoint-agent/pkg/capture"
)

// Outbox queues newly created records for delivery to the authority.
type Outbox interface {
	SubmitTraffic(rec types.TrafficRecord)
	SubmitAnomaly(a types.Anomaly)
}

// Identity supplies the endpoint id stamped on every record.
type Identity interface {
	EndpointID() string
}

// Monitor runs the ingestion step: capture, tag, store, classify.
type Monitor struct {
	source     capture.Source
	identity   Identity
	store      *Store
	classifier *anomaly.Classifier
	anomalies  *anomaly.Store
	outbox     Outbox
	log        *logrus.Logger

	// mu serializes Ingest calls from the scheduler and the status API.
	mu sync.Mutex
}

// NewMonitor wires the ingestion pipeline. outbox may be nil.
func NewMonitor(source capture.Source, identity Identity, store *Store, classifier *anomaly.Classifier,
	anomalies *anomaly.Store, outbox Outbox, log *logrus.Logger) *Monitor {
	return &Monitor{
		source:     source,
		identity:   identity,
		store:      store,
		classifier: classifier,
		anomalies:  anomalies,
		outbox:     outbox,
		log:        log,
	}
}

// Ingest takes one batch from the capture source. It returns the new records
// and the subset that the classifier flagged as anomalous.
func (m *Monitor) Ingest(ctx context.Context) ([]types.TrafficRecord, []types.TrafficRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, err := m.source.Capture(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to capture traffic: %w", err)
	}

	endpointID := m.identity.EndpointID()
	records := make([]types.TrafficRecord, 0, len(batch))
	for _, rec := range batch {
		rec.EndpointID = endpointID
		if err := types.Validate(&rec); err != nil {
			m.log.WithError(err).WithField("traffic_id", rec.ID).Warn("Dropping invalid traffic record")
			continue
		}
		records = append(records, rec)
	}
	m.store.Add(records...)

	var (
		flagged   []types.TrafficRecord
		anomalies []types.Anomaly
	)
	for _, rec := range records {
		metrics.TrafficRecords.WithLabelValues(string(rec.Status), string(rec.TrafficType)).Inc()
		a, ok := m.classifier.Classify(rec)
		if !ok {
			continue
		}
		flagged = append(flagged, rec)
		anomalies = append(anomalies, a)
	}
	m.anomalies.Add(anomalies...)

	if m.outbox != nil {
		for _, rec := range records {
			m.outbox.SubmitTraffic(rec)
		}
		for _, a := range anomalies {
			m.outbox.SubmitAnomaly(a)
		}
	}

	m.log.WithFields(logrus.Fields{
		"record_count":  len(records),
		"anomaly_count": len(anomalies),
	}).Info("Monitored traffic")
	return records, flagged, nil
}
