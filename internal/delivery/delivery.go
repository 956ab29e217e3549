// Package delivery forwards newly created traffic records and anomalies to
// the authority, one request per record, at most once.
package delivery

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/metrics"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

// Client is the authority surface used for delivery.
type Client interface {
	CreateTraffic(ctx context.Context, rec types.TrafficRecord) error
	CreateAnomaly(ctx context.Context, a types.Anomaly) (string, error)
	ResolveAnomaly(ctx context.Context, id, resolvedBy string) error
}

// AnomalyIDs records the authority's acknowledgement of an anomaly.
type AnomalyIDs interface {
	MarkDelivered(localID, authorityID string) (types.Anomaly, bool)
}

// Config for the delivery queue.
type Config struct {
	BufferSize int
}

type item struct {
	traffic *types.TrafficRecord
	anomaly *types.Anomaly
}

// Delivery is a buffered outbound queue drained by Start.
type Delivery struct {
	cfg       Config
	client    Client
	anomalies AnomalyIDs
	log       *logrus.Logger

	queue chan item

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New creates a Delivery. anomalies may be nil.
func New(cfg Config, client Client, anomalies AnomalyIDs, log *logrus.Logger) *Delivery {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &Delivery{
		cfg:       cfg,
		client:    client,
		anomalies: anomalies,
		log:       log,
		queue:     make(chan item, cfg.BufferSize),
	}
}

// SubmitTraffic queues rec. It never blocks; a full queue drops the record.
func (d *Delivery) SubmitTraffic(rec types.TrafficRecord) {
	d.submit(item{traffic: &rec}, "traffic")
}

// SubmitAnomaly queues a. It never blocks; a full queue drops the anomaly.
func (d *Delivery) SubmitAnomaly(a types.Anomaly) {
	d.submit(item{anomaly: &a}, "anomaly")
}

func (d *Delivery) submit(it item, kind string) {
	select {
	case d.queue <- it:
	default:
		d.dropped.Add(1)
		metrics.Deliveries.WithLabelValues(kind, "dropped").Inc()
		d.log.WithField("kind", kind).Warn("Delivery queue full, dropping record")
	}
}

// Start drains the queue until ctx is done.
func (d *Delivery) Start(ctx context.Context) error {
	d.log.Info("Starting outbound delivery")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-d.queue:
			d.deliver(ctx, it)
		}
	}
}

// Flush delivers everything queued right now and returns.
func (d *Delivery) Flush(ctx context.Context) {
	for {
		select {
		case it := <-d.queue:
			d.deliver(ctx, it)
		default:
			return
		}
	}
}

func (d *Delivery) deliver(ctx context.Context, it item) {
	switch {
	case it.traffic != nil:
		d.deliverTraffic(ctx, *it.traffic)
	case it.anomaly != nil:
		d.deliverAnomaly(ctx, *it.anomaly)
	}
}

func (d *Delivery) deliverTraffic(ctx context.Context, rec types.TrafficRecord) {
	if err := d.client.CreateTraffic(ctx, rec); err != nil {
		d.fail("traffic", rec.ID, err)
		return
	}
	d.succeed("traffic")
}

func (d *Delivery) deliverAnomaly(ctx context.Context, a types.Anomaly) {
	authorityID, err := d.client.CreateAnomaly(ctx, a)
	if err != nil {
		d.fail("anomaly", a.ID, err)
		return
	}
	d.succeed("anomaly")
	if d.anomalies == nil {
		return
	}
	updated, ok := d.anomalies.MarkDelivered(a.ID, authorityID)
	if !ok {
		// Evicted from the capped log before the authority answered.
		return
	}
	if authorityID != "" && authorityID != a.ID {
		d.log.WithFields(logrus.Fields{
			"local_id":     a.ID,
			"authority_id": authorityID,
		}).Debug("Anomaly id assigned by authority")
	}
	// Resolved locally while the create was in flight.
	if updated.Resolved {
		if err := d.client.ResolveAnomaly(ctx, updated.ID, updated.ResolvedBy); err != nil {
			d.log.WithError(err).WithField("anomaly_id", updated.ID).Warn("Failed to notify authority of resolution")
		}
	}
}

func (d *Delivery) succeed(kind string) {
	d.sent.Add(1)
	metrics.Deliveries.WithLabelValues(kind, "ok").Inc()
}

func (d *Delivery) fail(kind, id string, err error) {
	d.failed.Add(1)
	metrics.Deliveries.WithLabelValues(kind, "error").Inc()
	d.log.WithError(err).WithFields(logrus.Fields{
		"kind": kind,
		"id":   id,
	}).Warn("Failed to deliver record")
}

// Stats returns delivery counters.
func (d *Delivery) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}

// Pending returns the number of queued records.
func (d *Delivery) Pending() int {
	return len(d.queue)
}
