// Package push maintains the persistent WebSocket channel to the authority.
// The channel subscribes the endpoint to its own notifications, turns every
// firewallRule notification into one rule re-sync and reconnects with a
// capped exponential backoff until it is stopped.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/metrics"
	"github.com/invisible-tech/endpoint-agent/internal/rules"
)

var (
	// ErrNotConnected is returned when a write is attempted without an open connection.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("push channel stopped")
)

// Phase is the lifecycle state of the channel.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseSubscribed
	PhaseStopped
)

var phaseNames = []string{"disconnected", "connecting", "open", "subscribed", "stopped"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Config holds channel settings.
type Config struct {
	URL              string
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1.5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Identity supplies the credential for the handshake and the id to subscribe with.
type Identity interface {
	Credential() string
	EndpointID() string
}

// Syncer performs a full rule re-sync.
type Syncer interface {
	SyncFromAuthority(ctx context.Context, trigger rules.Trigger) error
}

// Status is a snapshot of the channel state.
type Status struct {
	Phase         string          `json:"phase"`
	Connected     bool            `json:"connected"`
	SubscribedID  string          `json:"subscribedId,omitempty"`
	Backoff       string          `json:"backoff"`
	Reconnects    int64           `json:"reconnects"`
	Syncs         int64           `json:"syncs"`
	LastError     string          `json:"lastError,omitempty"`
	LastMessageAt *time.Time      `json:"lastMessageAt,omitempty"`
	SystemStatus  json.RawMessage `json:"systemStatus,omitempty"`
}

// Channel is the push channel client.
type Channel struct {
	cfg      Config
	identity Identity
	syncer   Syncer
	log      *logrus.Logger

	// BeforeDial, when set, runs before every connection attempt. The agent
	// uses it to re-acquire a missing credential.
	BeforeDial func(ctx context.Context)
	// OnUnauthorized, when set, runs when the handshake is refused with 401 or 403.
	OnUnauthorized func()

	backoff *backoff
	dialer  *websocket.Dialer

	mu            sync.Mutex
	phase         Phase
	conn          *websocket.Conn
	subscribedID  string
	reconnects    int64
	syncs         int64
	lastErr       string
	lastMessageAt time.Time
	systemStatus  json.RawMessage

	writeMu sync.Mutex

	syncTrigger chan struct{}
	retryNow    chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a channel. It does not connect until Start is called.
func New(cfg Config, identity Identity, syncer Syncer, log *logrus.Logger) *Channel {
	cfg.setDefaults()
	c := &Channel{
		cfg:         cfg,
		identity:    identity,
		syncer:      syncer,
		log:         log,
		backoff:     newBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffFactor),
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		syncTrigger: make(chan struct{}, 1),
		retryNow:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	metrics.SetPushPhase(PhaseDisconnected.String(), phaseNames)
	metrics.PushBackoff.Set(cfg.BackoffBase.Seconds())
	return c
}

// Start runs the connect/read/reconnect loop until ctx is cancelled or Stop
// is called.
func (c *Channel) Start(ctx context.Context) error {
	if c.stopped() {
		return ErrStopped
	}
	c.log.WithField("url", c.cfg.URL).Info("Starting push channel")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.syncWorker(ctx)
	}()
	defer wg.Wait()

	for {
		if ctx.Err() != nil || c.stopped() {
			c.Stop()
			c.log.Info("Push channel stopped")
			return nil
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil || c.stopped() {
			continue
		}

		c.mu.Lock()
		delay := c.backoff.Next()
		next := c.backoff.Current()
		c.reconnects++
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		metrics.PushReconnects.Inc()
		metrics.PushBackoff.Set(next.Seconds())

		c.log.WithError(err).WithField("retry_in", delay.String()).Warn("Push channel disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		case <-c.retryNow:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Stop closes the connection and suppresses any further reconnection.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		close(c.stopCh)
		conn := c.conn
		c.mu.Unlock()
		c.setPhase(PhaseStopped)
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		}
	})
}

// Reconnect cuts a pending backoff wait short. It does nothing while a
// connection is being made or is open.
func (c *Channel) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped() {
		return ErrStopped
	}
	if c.phase != PhaseDisconnected {
		return nil
	}
	select {
	case c.retryNow <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe sends the subscription on an open connection that has none yet,
// e.g. after the endpoint id was assigned while connected. Otherwise it does
// nothing; the next open subscribes on its own.
func (c *Channel) Subscribe() error {
	id := c.identity.EndpointID()
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if id == "" || phase != PhaseOpen {
		return nil
	}
	return c.subscribe(id)
}

func (c *Channel) subscribe(id string) error {
	if err := c.writeJSON(subscribeMessage{Type: TypeSubscribe, Target: "endpoint", ID: id}); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	c.mu.Lock()
	c.subscribedID = id
	c.mu.Unlock()
	c.setPhase(PhaseSubscribed)
	c.log.WithField("endpoint_id", id).Info("Subscribed to endpoint notifications")
	return nil
}

// RequestStatus asks the authority for its system status. The reply arrives
// as a systemStatus message and is exposed through Status.
func (c *Channel) RequestStatus() error {
	return c.writeJSON(getStatusMessage{Type: TypeGetStatus, Target: "system"})
}

// Status returns a snapshot of the channel state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Phase:        c.phase.String(),
		Connected:    c.phase == PhaseOpen || c.phase == PhaseSubscribed,
		SubscribedID: c.subscribedID,
		Reconnects:   c.reconnects,
		Syncs:        c.syncs,
		LastError:    c.lastErr,
		SystemStatus: c.systemStatus,
	}
	st.Backoff = c.backoff.Current().String()
	if !c.lastMessageAt.IsZero() {
		t := c.lastMessageAt
		st.LastMessageAt = &t
	}
	return st
}

// connectAndServe dials, subscribes and reads until the connection fails.
func (c *Channel) connectAndServe(ctx context.Context) error {
	c.setPhase(PhaseConnecting)
	if c.BeforeDial != nil {
		c.BeforeDial(ctx)
	}

	target, err := c.dialURL()
	if err != nil {
		c.setPhase(PhaseDisconnected)
		return err
	}

	// Stop must also abort a handshake in progress, so the raw connection
	// is kept where the stop watcher can close it.
	dialCtx, cancelDial := context.WithCancel(ctx)
	var (
		rawMu sync.Mutex
		raw   net.Conn
	)
	dialer := *c.dialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		rawMu.Lock()
		defer rawMu.Unlock()
		if dialCtx.Err() != nil {
			nc.Close()
			return nil, dialCtx.Err()
		}
		raw = nc
		return nc, nil
	}
	go func() {
		select {
		case <-c.stopCh:
			cancelDial()
			rawMu.Lock()
			if raw != nil {
				raw.Close()
			}
			rawMu.Unlock()
		case <-dialCtx.Done():
		}
	}()
	conn, resp, err := dialer.DialContext(dialCtx, target, nil)
	rawMu.Lock()
	raw = nil
	rawMu.Unlock()
	cancelDial()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setPhase(PhaseDisconnected)
		if resp != nil {
			if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
				c.OnUnauthorized != nil {
				c.OnUnauthorized()
			}
			return fmt.Errorf("dialing push channel: unexpected status code: %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing push channel: %w", err)
	}

	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.subscribedID = ""
		c.mu.Unlock()
		conn.Close()
		c.setPhase(PhaseDisconnected)
	}()

	c.mu.Lock()
	c.backoff.Reset()
	c.lastErr = ""
	c.mu.Unlock()
	// A retry request left over from before this open must not cut the
	// next backoff wait short.
	select {
	case <-c.retryNow:
	default:
	}
	metrics.PushBackoff.Set(c.cfg.BackoffBase.Seconds())
	c.setPhase(PhaseOpen)
	c.log.Info("Push channel open")

	readWindow := c.cfg.PingInterval + c.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	if id := c.identity.EndpointID(); id != "" {
		if err := c.subscribe(id); err != nil {
			return err
		}
	} else {
		c.log.Warn("No endpoint id yet, push channel open without subscription")
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-c.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading push channel: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWindow))
		c.dispatch(data)
	}
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing push url: %w", err)
	}
	if token := c.identity.Credential(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// pingLoop sends a control ping and an application ping every interval.
func (c *Channel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Debug("Push ping failed")
				return
			}
			if err := c.writeJSON(pingMessage{Type: TypePing, Timestamp: time.Now().UTC()}); err != nil {
				c.log.WithError(err).Debug("Push ping failed")
				return
			}
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		metrics.PushMessages.WithLabelValues("malformed").Inc()
		c.log.WithError(err).Error("Ignoring malformed push message")
		return
	}

	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()

	switch m := msg.(type) {
	case ConnectionAck:
		metrics.PushMessages.WithLabelValues(string(TypeConnection)).Inc()
		c.log.WithField("message", m.Text).Info("Push channel acknowledged")
	case RuleChange:
		metrics.PushMessages.WithLabelValues(string(TypeFirewallRule)).Inc()
		entry := c.log.WithField("action", string(m.Action))
		if !m.Action.Known() {
			entry.Warn("Unknown firewall rule action, re-syncing anyway")
		} else {
			entry.Info("Firewall rules changed, re-syncing")
		}
		c.requestSync()
	case SystemStatus:
		metrics.PushMessages.WithLabelValues(string(TypeSystemStatus)).Inc()
		c.mu.Lock()
		c.systemStatus = append(json.RawMessage(nil), m.Data...)
		c.mu.Unlock()
		c.log.Debug("System status received")
	case Pong:
		metrics.PushMessages.WithLabelValues(string(TypePong)).Inc()
		c.log.Debug("Pong received")
	case Unrecognized:
		metrics.PushMessages.WithLabelValues("unrecognized").Inc()
		c.log.WithField("type", m.Tag).Debug("Ignoring unrecognized push message")
	}
}

// requestSync queues one re-sync. Requests arriving while one is already
// queued are merged into it.
func (c *Channel) requestSync() {
	select {
	case c.syncTrigger <- struct{}{}:
	default:
	}
}

func (c *Channel) syncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.syncTrigger:
			c.mu.Lock()
			c.syncs++
			c.mu.Unlock()
			if err := c.syncer.SyncFromAuthority(ctx, rules.TriggerPush); err != nil {
				c.log.WithError(err).Warn("Push-triggered rule sync failed")
			}
		}
	}
}

func (c *Channel) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if c.stopped() {
			return ErrStopped
		}
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// setPhase records a transition. Stopped is terminal.
func (c *Channel) setPhase(p Phase) {
	c.mu.Lock()
	if c.phase == PhaseStopped || c.phase == p {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	metrics.SetPushPhase(p.String(), phaseNames)
}

func (c *Channel) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
