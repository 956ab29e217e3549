// Package agent wires the endpoint agent together: it builds every component
// from the configuration, performs the startup handshake with the authority
// and supervises the long-running tasks until shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/invisible-tech/endpoint-agent/internal/anomaly"
	"github.com/invisible-tech/endpoint-agent/internal/config"
	"github.com/invisible-tech/endpoint-agent/internal/delivery"
	"github.com/invisible-tech/endpoint-agent/internal/identity"
	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/push"
	"github.com/invisible-tech/endpoint-agent/internal/rules"
	"github.com/invisible-tech/endpoint-agent/internal/scheduler"
	"github.com/invisible-tech/endpoint-agent/internal/traffic"
	"github.com/invisible-tech/endpoint-agent/internal/types"
	"github.com/invisible-tech/endpoint-agent/pkg/authority"
	"github.com/invisible-tech/endpoint-agent/pkg/capture"
)

// ErrPushDisabled is returned by push channel controls when WS_ENABLED is false.
var ErrPushDisabled = errors.New("push channel disabled")

// Task names registered with the scheduler.
const (
	TaskRuleSync    = "rule-sync"
	TaskRuleApply   = "rule-apply"
	TaskTrafficScan = "traffic-scan"
	TaskHeartbeat   = "heartbeat"
)

// Agent owns every component of the endpoint agent.
type Agent struct {
	cfg *config.AgentConfig
	log *logrus.Logger

	persist  persist.Store
	envStore *identity.Store
	identity *identity.Holder
	watcher  *identity.Watcher
	client   *authority.Client

	rules      *rules.Store
	traffic    *traffic.Store
	monitor    *traffic.Monitor
	classifier *anomaly.Classifier
	anomalies  *anomaly.Store
	delivery   *delivery.Delivery
	scheduler  *scheduler.Scheduler
	push       *push.Channel

	startedAt time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the agent and reloads persisted state. It does not contact
// the authority.
func New(cfg *config.AgentConfig, log *logrus.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, log: log, done: make(chan struct{})}

	var err error
	a.persist, err = persist.Open(cfg.Storage.Driver, cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.envStore = identity.NewStore(cfg.Storage.EnvFile)
	a.identity = identity.NewHolder(types.Identity{
		ID:         cfg.Endpoint.ID,
		Hostname:   cfg.Endpoint.Hostname,
		Address:    cfg.Endpoint.IP,
		OS:         cfg.Endpoint.OS,
		Password:   cfg.Endpoint.Password,
		Credential: cfg.Authority.Token,
	})
	a.watcher, err = identity.NewWatcher(a.envStore, a.identity, log)
	if err != nil {
		log.WithError(err).Warn("Identity file watcher unavailable")
	}

	a.client = authority.NewClient(authority.Config{
		BaseURL: cfg.Authority.APIBaseURL,
		Timeout: cfg.Authority.Timeout,
	}, a.identity, log)
	a.client.OnUnauthorized = a.dropCredential

	source, err := capture.New(cfg.CaptureSource, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture source: %w", err)
	}

	a.rules = rules.NewStore(a.client, a.identity, rules.NewLogEnforcer(log), a.persist, log)
	a.traffic = traffic.NewStore(cfg.Storage.LogCap, a.persist, log)
	a.classifier = anomaly.NewClassifier(anomaly.ClassifierConfig{
		Threshold:       cfg.Detection.Threshold,
		SuspiciousPorts: cfg.Detection.SuspiciousPorts,
	})
	a.anomalies = anomaly.NewStore(cfg.Storage.LogCap, a.persist, a.client, log)
	a.delivery = delivery.New(delivery.Config{BufferSize: cfg.Storage.LogCap}, a.client, a.anomalies, log)
	a.monitor = traffic.NewMonitor(source, a.identity, a.traffic, a.classifier, a.anomalies, a.delivery, log)

	for name, load := range map[string]func() error{
		"rules":     a.rules.Load,
		"traffic":   a.traffic.Load,
		"anomalies": a.anomalies.Load,
	} {
		if err := load(); err != nil {
			log.WithError(err).WithField("store", name).Warn("Failed to reload persisted state")
		}
	}

	a.scheduler = scheduler.New(scheduler.Config{Tick: cfg.Sync.Tick}, log)
	if err := a.registerTasks(); err != nil {
		return nil, err
	}

	if cfg.Push.Enabled {
		a.push = push.New(push.Config{
			URL:           cfg.Authority.WSURL,
			BackoffBase:   cfg.Push.BackoffBase,
			BackoffMax:    cfg.Push.BackoffMax,
			BackoffFactor: cfg.Push.BackoffFactor,
			PingInterval:  cfg.Push.PingInterval,
			PongTimeout:   cfg.Push.PongTimeout,
		}, a.identity, a.rules, log)
		a.push.BeforeDial = a.ensureCredential
		a.push.OnUnauthorized = a.dropCredential
		if a.watcher != nil {
			a.watcher.OnChange = a.identityReloaded
		}
	}

	return a, nil
}

func (a *Agent) registerTasks() error {
	sc := a.cfg.Sync
	tasks := []scheduler.Task{
		{
			Name:     TaskRuleSync,
			Interval: sc.RuleSyncInterval,
			Run: func(ctx context.Context) error {
				a.ensureCredential(ctx)
				return a.rules.SyncFromAuthority(ctx, rules.TriggerPull)
			},
		},
		{
			Name:     TaskRuleApply,
			Interval: sc.RuleSyncInterval + sc.RuleApplyOffset,
			Run:      a.rules.Apply,
		},
		{
			Name:     TaskTrafficScan,
			Interval: sc.TrafficScanInterval,
			Run: func(ctx context.Context) error {
				_, _, err := a.ScanTraffic(ctx)
				return err
			},
		},
	}
	if sc.HeartbeatInterval > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     TaskHeartbeat,
			Interval: sc.HeartbeatInterval,
			Run:      a.heartbeat,
		})
	}
	for _, t := range tasks {
		if err := a.scheduler.Register(t); err != nil {
			return fmt.Errorf("failed to register task: %w", err)
		}
	}
	return nil
}

// Start bootstraps the identity, runs the startup sync and blocks while the
// background components run. It returns when ctx is cancelled or Shutdown is
// called.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return errors.New("agent already started")
	}
	a.cancel = cancel
	a.startedAt = time.Now()
	a.mu.Unlock()
	defer close(a.done)
	defer cancel()

	a.log.WithFields(logrus.Fields{
		"endpoint_id": a.identity.EndpointID(),
		"authority":   a.cfg.Authority.APIBaseURL,
		"push":        a.push != nil,
	}).Info("Starting endpoint agent")

	a.bootstrap(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.delivery.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("delivery: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.scheduler.Start(gctx)
		return nil
	})
	if a.push != nil {
		g.Go(func() error {
			if err := a.push.Start(gctx); err != nil && !errors.Is(err, push.ErrStopped) {
				return fmt.Errorf("push channel: %w", err)
			}
			return nil
		})
	}

	a.log.Info("All components started")
	return g.Wait()
}

// Shutdown stops the push channel, cancels every task and waits for them, then
// flushes queued deliveries and closes storage.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.log.Info("Shutting down agent")

	if a.push != nil {
		a.push.Stop()
	}

	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-a.done:
			a.log.Info("All components stopped")
		case <-ctx.Done():
			a.log.Warn("Shutdown timeout, some components may not have stopped cleanly")
		}
	}

	a.delivery.Flush(ctx)
	if err := a.persist.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

// bootstrap acquires a credential and an endpoint id when missing, then loads
// the rule set. Every step degrades to a warning.
func (a *Agent) bootstrap(ctx context.Context) {
	if a.cfg.Authority.APIBaseURL != "" {
		if err := a.client.HealthCheck(ctx); err != nil {
			a.log.WithError(err).Warn("Authority health check failed")
		}
	}

	a.ensureCredential(ctx)

	if a.identity.EndpointID() == "" {
		id, err := a.client.RegisterEndpoint(ctx, a.identity.Get())
		switch {
		case err != nil:
			a.log.WithError(err).Warn("Endpoint registration failed")
		default:
			if err := a.identity.SetID(id); err != nil {
				a.log.WithError(err).Warn("Registered id rejected")
			} else {
				a.log.WithField("endpoint_id", id).Info("Endpoint registered")
			}
			a.saveIdentity()
		}
	}

	if id := a.identity.EndpointID(); id != "" {
		if err := a.client.UpdateEndpointStatus(ctx, id, "online"); err != nil {
			a.log.WithError(err).Warn("Failed to report endpoint status")
		}
	}

	// A stored credential may have been refused above.
	a.ensureCredential(ctx)
	if err := a.rules.SyncFromAuthority(ctx, rules.TriggerStartup); err != nil {
		a.log.WithError(err).Warn("Startup rule sync failed, serving cached rules")
	}
}

// ensureCredential logs in when no credential is held and a login is configured.
func (a *Agent) ensureCredential(ctx context.Context) {
	if a.identity.Credential() != "" || a.cfg.Authority.Username == "" {
		return
	}
	token, err := a.client.Login(ctx, a.cfg.Authority.Username, a.cfg.Authority.Password)
	if err != nil {
		a.log.WithError(err).Warn("Login failed, continuing unauthenticated")
		return
	}
	a.identity.SetCredential(token)
	a.log.Info("Credential acquired")
	a.saveIdentity()
}

// dropCredential forgets a credential the authority refused. The next
// ensureCredential logs in again; without a login the agent continues
// unauthenticated.
func (a *Agent) dropCredential() {
	if a.identity.Credential() == "" {
		return
	}
	a.identity.SetCredential("")
	a.log.Warn("Credential rejected by authority, cleared")
}

// identityReloaded subscribes the push channel when the env file supplied an
// endpoint id after the channel had opened without one.
func (a *Agent) identityReloaded(map[string]string) {
	if err := a.push.Subscribe(); err != nil {
		a.log.WithError(err).Warn("Failed to subscribe push channel after identity reload")
	}
}

func (a *Agent) saveIdentity() {
	if err := a.envStore.SaveIdentity(a.identity.Get()); err != nil {
		a.log.WithError(err).Warn("Failed to persist identity")
	}
}

func (a *Agent) heartbeat(ctx context.Context) error {
	id := a.identity.EndpointID()
	if id == "" {
		return nil
	}
	a.ensureCredential(ctx)
	return a.client.UpdateEndpointStatus(ctx, id, "online")
}

// ScanTraffic runs one ingestion step.
func (a *Agent) ScanTraffic(ctx context.Context) ([]types.TrafficRecord, []types.TrafficRecord, error) {
	records, flagged, err := a.monitor.Ingest(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.log.WithFields(logrus.Fields{
		"records":   len(records),
		"anomalies": len(flagged),
	}).Debug("Traffic scan complete")
	return records, flagged, nil
}

// Rules returns the rule store.
func (a *Agent) Rules() *rules.Store { return a.rules }

// Traffic returns the traffic store.
func (a *Agent) Traffic() *traffic.Store { return a.traffic }

// Anomalies returns the anomaly store.
func (a *Agent) Anomalies() *anomaly.Store { return a.anomalies }

// Identity returns the current endpoint identity.
func (a *Agent) Identity() types.Identity { return a.identity.Get() }

// PushStatus reports the push channel state.
func (a *Agent) PushStatus() (push.Status, error) {
	if a.push == nil {
		return push.Status{}, ErrPushDisabled
	}
	return a.push.Status(), nil
}

// ConnectPush skips any pending reconnect delay.
func (a *Agent) ConnectPush() error {
	if a.push == nil {
		return ErrPushDisabled
	}
	return a.push.Reconnect()
}

// DisconnectPush stops the push channel for the rest of the process lifetime.
func (a *Agent) DisconnectPush() error {
	if a.push == nil {
		return ErrPushDisabled
	}
	a.push.Stop()
	return nil
}

// RequestAuthorityStatus asks the authority, over the push channel, for its
// system status.
func (a *Agent) RequestAuthorityStatus() error {
	if a.push == nil {
		return ErrPushDisabled
	}
	return a.push.RequestStatus()
}

// DeliveryStats summarizes the outbound queue.
type DeliveryStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// DetectionStatus describes the active anomaly classifier.
type DetectionStatus struct {
	Threshold int64    `json:"threshold"`
	Rules     []string `json:"rules"`
}

// Status is the agent summary served on /api/status.
type Status struct {
	EndpointID    string                 `json:"endpointId,omitempty"`
	Hostname      string                 `json:"hostname,omitempty"`
	Registered    bool                   `json:"registered"`
	Authenticated bool                   `json:"authenticated"`
	StartedAt     time.Time              `json:"startedAt"`
	Uptime        string                 `json:"uptime"`
	Rules         int                    `json:"rules"`
	LastRuleSync  *time.Time             `json:"lastRuleSync,omitempty"`
	Traffic       int                    `json:"traffic"`
	Anomalies     int                    `json:"anomalies"`
	Detection     DetectionStatus        `json:"detection"`
	Delivery      DeliveryStats          `json:"delivery"`
	Tasks         []scheduler.TaskStatus `json:"tasks"`
	Push          *push.Status           `json:"push,omitempty"`
}

// Status returns a point-in-time summary of every component.
func (a *Agent) Status() Status {
	id := a.identity.Get()
	a.mu.Lock()
	started := a.startedAt
	a.mu.Unlock()

	st := Status{
		EndpointID:    id.ID,
		Hostname:      id.Hostname,
		Registered:    id.Registered(),
		Authenticated: id.Credential != "",
		StartedAt:     started,
		Rules:         a.rules.Len(),
		Traffic:       a.traffic.Len(),
		Anomalies:     len(a.anomalies.List(0, false)),
		Tasks:         a.scheduler.Status(),
	}
	st.Detection.Threshold = a.classifier.Threshold()
	for _, r := range a.classifier.Rules() {
		st.Detection.Rules = append(st.Detection.Rules, r.ID)
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	if last := a.rules.LastSync(); !last.IsZero() {
		st.LastRuleSync = &last
	}
	sent, failed, dropped := a.delivery.Stats()
	st.Delivery = DeliveryStats{Sent: sent, Failed: failed, Dropped: dropped, Pending: a.delivery.Pending()}
	if a.push != nil {
		ps := a.push.Status()
		st.Push = &ps
	}
	return st
}
