package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/endpoint-agent/internal/config"
)

func canListen(t *testing.T) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
		return false
	}
	ln.Close()
	return true
}

type fakeAuthority struct {
	mu    sync.Mutex
	calls map[string]int
	seq   int

	// requireToken, when set, makes every route except login and health
	// answer 401 unless this bearer token is sent.
	requireToken string
}

func (f *fakeAuthority) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.calls[key]++
	f.seq++
	seq := f.seq
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.requireToken != "" && key != "POST /api/auth/login" && key != "GET /api/health" &&
		r.Header.Get("Authorization") != "Bearer "+f.requireToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"message":"invalid token"}`)
		return
	}
	switch key {
	case "GET /api/health":
		fmt.Fprint(w, `{"success":true}`)
	case "POST /api/auth/login":
		fmt.Fprint(w, `{"success":true,"token":"tok-1"}`)
	case "POST /api/endpoints":
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"success":true,"data":{"_id":"ep-42"}}`)
	case "PATCH /api/endpoints/ep-42/status":
		fmt.Fprint(w, `{"success":true}`)
	case "GET /api/mapping/endpoint/ep-42":
		fmt.Fprint(w, `{"success":true,"data":[{"endpointId":"ep-42","applicationId":{"_id":"app-1","name":"web"}}]}`)
	case "GET /api/firewall/rules/application/app-1":
		fmt.Fprint(w, `{"success":true,"data":[{"_id":"r1","name":"block telnet","protocol":"TCP","action":"DENY","destinationPort":23,"priority":1}]}`)
	case "POST /api/logs/traffic":
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"success":true}`)
	case "POST /api/anomalies":
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"success":true,"data":{"_id":"srv-%d"}}`, seq)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"success":false,"message":"not found"}`)
	}
}

func testConfig(t *testing.T, apiURL string) *config.AgentConfig {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	dir := t.TempDir()
	cfg.Authority.APIBaseURL = apiURL
	cfg.Authority.Username = "agent"
	cfg.Authority.Password = "secret"
	cfg.Authority.Timeout = 2 * time.Second
	cfg.Endpoint.ID = ""
	cfg.Authority.Token = ""
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.EnvFile = filepath.Join(dir, "env", ".env")
	cfg.Sync.RuleSyncInterval = time.Hour
	cfg.Sync.TrafficScanInterval = time.Hour
	cfg.Sync.HeartbeatInterval = 0
	cfg.Sync.Tick = 10 * time.Millisecond
	cfg.Push.Enabled = false
	return &cfg
}

func runAgent(t *testing.T, a *Agent) (stop func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, a.Shutdown(ctx))
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Start did not return after Shutdown")
		}
	}
}

func TestAgent_BootstrapRegistersAndSyncs(t *testing.T) {
	if !canListen(t) {
		return
	}
	fa := &fakeAuthority{calls: map[string]int{}}
	server := httptest.NewServer(fa)
	defer server.Close()

	cfg := testConfig(t, server.URL+"/api")
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return a.Rules().Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	stop()

	id := a.Identity()
	assert.Equal(t, "ep-42", id.ID)
	assert.Equal(t, "tok-1", id.Credential)
	assert.Equal(t, 1, fa.count("POST /api/auth/login"))
	assert.Equal(t, 1, fa.count("POST /api/endpoints"))
	assert.Equal(t, 1, fa.count("PATCH /api/endpoints/ep-42/status"))

	rule, ok := a.Rules().Get("r1")
	require.True(t, ok)
	assert.Equal(t, "app-1", rule.ApplicationID)
	assert.True(t, rule.Enabled)

	values, err := godotenv.Read(cfg.Storage.EnvFile)
	require.NoError(t, err)
	assert.Equal(t, "ep-42", values["ENDPOINT_ID"])
	assert.Equal(t, "tok-1", values["AUTH_TOKEN"])

	// The rule set survives a restart without the authority.
	cfg.Authority.APIBaseURL = ""
	cfg.Endpoint.ID = "ep-42"
	again, err := New(cfg, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Rules().Len())
	require.NoError(t, again.Shutdown(context.Background()))
}

func TestAgent_ScanTrafficDeliversRecordsAndAnomalies(t *testing.T) {
	if !canListen(t) {
		return
	}
	fa := &fakeAuthority{calls: map[string]int{}}
	server := httptest.NewServer(fa)
	defer server.Close()

	cfg := testConfig(t, server.URL+"/api")
	cfg.Endpoint.ID = "ep-42"
	cfg.Authority.Token = "tok-1"
	// Simulated flows carry at least 100 bytes, so every record is flagged.
	cfg.Detection.Threshold = 50
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)

	records, flagged, err := a.ScanTraffic(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Len(t, flagged, len(records))
	for _, rec := range records {
		assert.Equal(t, "ep-42", rec.EndpointID)
	}
	assert.Equal(t, len(records), a.Traffic().Len())
	assert.Equal(t, len(flagged), a.Anomalies().Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	assert.Equal(t, len(records), fa.count("POST /api/logs/traffic"))
	assert.Equal(t, len(flagged), fa.count("POST /api/anomalies"))
	for _, an := range a.Anomalies().List(0, true) {
		assert.Regexp(t, `^srv-\d+$`, an.ID, "authority id should replace the local id")
		assert.True(t, an.Delivered)
	}
}

func TestAgent_RunsWithoutAuthority(t *testing.T) {
	cfg := testConfig(t, "")
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return len(a.Status().Tasks) == 3 && !a.Status().StartedAt.IsZero() },
		time.Second, 10*time.Millisecond)
	st := a.Status()
	assert.False(t, st.Registered)
	assert.False(t, st.Authenticated)
	assert.Zero(t, st.Rules)
	assert.Nil(t, st.Push)

	_, err = a.PushStatus()
	assert.ErrorIs(t, err, ErrPushDisabled)
	assert.ErrorIs(t, a.ConnectPush(), ErrPushDisabled)
	assert.ErrorIs(t, a.DisconnectPush(), ErrPushDisabled)
	stop()
}

func TestAgent_HeartbeatTaskRegistered(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Sync.HeartbeatInterval = time.Minute
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	names := map[string]bool{}
	for _, ts := range a.Status().Tasks {
		names[ts.Name] = true
	}
	assert.Equal(t, map[string]bool{
		TaskRuleSync: true, TaskRuleApply: true, TaskTrafficScan: true, TaskHeartbeat: true,
	}, names)
}

func TestAgent_RejectedCredentialTriggersLogin(t *testing.T) {
	if !canListen(t) {
		return
	}
	fa := &fakeAuthority{calls: map[string]int{}, requireToken: "tok-1"}
	server := httptest.NewServer(fa)
	defer server.Close()

	cfg := testConfig(t, server.URL+"/api")
	cfg.Endpoint.ID = "ep-42"
	cfg.Authority.Token = "stale"
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return a.Rules().Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, "tok-1", a.Identity().Credential)
	assert.Equal(t, 1, fa.count("POST /api/auth/login"))
	assert.Equal(t, 1, fa.count("GET /api/health"))
}

func TestAgent_RejectedCredentialWithoutLoginDegrades(t *testing.T) {
	if !canListen(t) {
		return
	}
	fa := &fakeAuthority{calls: map[string]int{}, requireToken: "tok-1"}
	server := httptest.NewServer(fa)
	defer server.Close()

	cfg := testConfig(t, server.URL+"/api")
	cfg.Endpoint.ID = "ep-42"
	cfg.Authority.Token = "stale"
	cfg.Authority.Username = ""
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	err = a.heartbeat(context.Background())
	require.Error(t, err)
	assert.Empty(t, a.Identity().Credential)
	assert.False(t, a.Status().Authenticated)
	assert.Zero(t, fa.count("POST /api/auth/login"))
}

func TestAgent_StatusReportsDetection(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Detection.Threshold = 4096
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	st := a.Status()
	assert.Equal(t, int64(4096), st.Detection.Threshold)
	assert.NotEmpty(t, st.Detection.Rules)
}

func TestAgent_IdentityReloadSubscribesPush(t *testing.T) {
	if !canListen(t) {
		return
	}
	subscribed := make(chan map[string]any, 1)
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == "subscribe" {
				subscribed <- msg
			}
		}
	}))
	defer ws.Close()

	cfg := testConfig(t, "")
	cfg.Authority.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.Push.Enabled = true
	cfg.Push.BackoffBase = 20 * time.Millisecond
	cfg.Push.BackoffMax = 100 * time.Millisecond
	a, err := New(cfg, logrus.New())
	require.NoError(t, err)
	if a.watcher == nil {
		t.Skip("file watcher unavailable")
	}
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool {
		st, err := a.PushStatus()
		return err == nil && st.Phase == "open"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, godotenv.Write(map[string]string{"ENDPOINT_ID": "ep-9"}, cfg.Storage.EnvFile))

	select {
	case msg := <-subscribed:
		assert.Equal(t, "ep-9", msg["id"])
	case <-time.After(3 * time.Second):
		t.Fatal("push channel did not subscribe after identity reload")
	}
	require.Eventually(t, func() bool {
		st, _ := a.PushStatus()
		return st.Phase == "subscribed" && st.SubscribedID == "ep-9"
	}, time.Second, 10*time.Millisecond)
}
