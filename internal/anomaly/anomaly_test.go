package anomaly

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

func record(bytes int64) types.TrafficRecord {
	return types.TrafficRecord{
		ID: fmt.Sprintf("t-%d", bytes), EndpointID: "ep-1",
		SourceIP: "192.168.1.10", DestinationIP: "10.1.1.1", SourcePort: 50000, DestinationPort: 8080,
		Protocol: types.ProtocolTCP, Status: types.TrafficAllowed, TrafficType: types.TrafficInbound,
		BytesTransferred: bytes,
	}
}

func TestClassifier_ThresholdBoundary(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Threshold: 1000})
	tests := []struct {
		bytes int64
		want  bool
	}{
		{0, false},
		{999, false},
		{1000, false},
		{1001, true},
		{50000, true},
	}
	for _, tt := range tests {
		_, got := c.Classify(record(tt.bytes))
		if got != tt.want {
			t.Errorf("Classify(%d bytes) anomalous = %v, want %v", tt.bytes, got, tt.want)
		}
		if c.IsAnomalous(record(tt.bytes)) != tt.want {
			t.Errorf("IsAnomalous(%d) disagrees with Classify", tt.bytes)
		}
	}
}

func TestClassifier_AnomalyShape(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Threshold: 1000})
	rec := record(1001)
	a, ok := c.Classify(rec)
	require.True(t, ok)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Resolved)
	assert.Equal(t, "ep-1", a.EndpointID)
	assert.Equal(t, rec.ID, a.TrafficID)
	assert.Equal(t, types.SeverityLow, a.Severity)
	assert.Contains(t, types.AnomalyTypes, a.Type)
	assert.NotEmpty(t, a.Description)
}

func TestClassifier_Categories(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Threshold: 1000, SuspiciousPorts: []int{4444}})

	rec := record(2000)
	rec.DestinationPort = 4444
	a, _ := c.Classify(rec)
	assert.Equal(t, types.AnomalyUnusualPort, a.Type)

	rec = record(2000)
	rec.Protocol = types.ProtocolICMP
	rec.DestinationIP = "8.8.8.8"
	a, _ = c.Classify(rec)
	assert.Equal(t, types.AnomalyProtocolViolation, a.Type)

	rec = record(2000)
	rec.TrafficType = types.TrafficOutbound
	rec.Status = types.TrafficBlocked
	a, _ = c.Classify(rec)
	assert.Equal(t, types.AnomalySuspiciousIP, a.Type)

	rec = record(10000)
	a, _ = c.Classify(rec)
	assert.Equal(t, types.AnomalyExcessiveTransfer, a.Type)

	// Fallback is deterministic for the same record.
	rec = record(1500)
	first, _ := c.Classify(rec)
	second, _ := c.Classify(rec)
	assert.Equal(t, first.Type, second.Type)
}

func TestClassifier_Severity(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Threshold: 1000})
	tests := []struct {
		bytes int64
		want  types.Severity
	}{
		{1001, types.SeverityLow},
		{2000, types.SeverityLow},
		{2001, types.SeverityMedium},
		{5000, types.SeverityMedium},
		{5001, types.SeverityHigh},
	}
	for _, tt := range tests {
		a, ok := c.Classify(record(tt.bytes))
		require.True(t, ok)
		assert.Equal(t, tt.want, a.Severity, "bytes=%d", tt.bytes)
	}
}

func TestIsExternal(t *testing.T) {
	assert.True(t, isExternal("8.8.8.8"))
	assert.False(t, isExternal("10.0.0.1"))
	assert.False(t, isExternal("192.168.1.1"))
	assert.False(t, isExternal("127.0.0.1"))
	assert.False(t, isExternal("not-an-ip"))
}

type fakeNotifier struct {
	calls []string
	err   error
}

func (f *fakeNotifier) ResolveAnomaly(ctx context.Context, id, resolvedBy string) error {
	f.calls = append(f.calls, id+":"+resolvedBy)
	return f.err
}

func TestStore_ClassifyThenResolve(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Threshold: 1000})
	s := NewStore(100, nil, nil, logrus.New())

	a, ok := c.Classify(record(1001))
	require.True(t, ok)
	s.Add(a)

	got, err := s.Resolve(context.Background(), a.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "alice", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	stored, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.True(t, stored.Resolved)
}

func TestStore_ResolveTwiceIsTerminal(t *testing.T) {
	s := NewStore(100, nil, nil, logrus.New())
	s.Add(types.Anomaly{ID: "a1"})

	first, err := s.Resolve(context.Background(), "a1", "alice")
	require.NoError(t, err)

	_, err = s.Resolve(context.Background(), "a1", "bob")
	assert.True(t, errors.Is(err, ErrAlreadyResolved))

	stored, _ := s.Get("a1")
	assert.True(t, stored.Resolved)
	assert.Equal(t, "alice", stored.ResolvedBy)
	assert.Equal(t, first.ResolvedAt, stored.ResolvedAt)
}

func TestStore_ResolveMissing(t *testing.T) {
	n := &fakeNotifier{}
	s := NewStore(100, nil, n, logrus.New())
	s.Add(types.Anomaly{ID: "a1"})
	_, err := s.Resolve(context.Background(), "nope", "alice")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, n.calls)
	stored, _ := s.Get("a1")
	assert.False(t, stored.Resolved)
}

func TestStore_NotifyOnlyDelivered(t *testing.T) {
	n := &fakeNotifier{err: errors.New("authority down")}
	s := NewStore(100, nil, n, logrus.New())
	s.Add(types.Anomaly{ID: "local-1"}, types.Anomaly{ID: "local-2"})

	updated, ok := s.MarkDelivered("local-2", "srv-2")
	require.True(t, ok)
	assert.Equal(t, "srv-2", updated.ID)
	assert.True(t, updated.Delivered)
	_, ok = s.Get("local-2")
	assert.False(t, ok, "placeholder id replaced")

	_, err := s.Resolve(context.Background(), "local-1", "alice")
	require.NoError(t, err)
	_, err = s.Resolve(context.Background(), "srv-2", "alice")
	require.NoError(t, err, "notification failure does not fail the resolve")

	assert.Equal(t, []string{"srv-2:alice"}, n.calls)
	stored, _ := s.Get("srv-2")
	assert.True(t, stored.Resolved)
}

func TestStore_ListFiltersAndLimits(t *testing.T) {
	s := NewStore(100, nil, nil, logrus.New())
	for i := 0; i < 5; i++ {
		s.Add(types.Anomaly{ID: fmt.Sprintf("a%d", i), Timestamp: time.Now()})
	}
	_, err := s.Resolve(context.Background(), "a4", "alice")
	require.NoError(t, err)

	open := s.List(0, false)
	require.Len(t, open, 4)
	assert.Equal(t, "a3", open[3].ID)

	limited := s.List(2, false)
	require.Len(t, limited, 2)
	assert.Equal(t, "a2", limited[0].ID)

	all := s.List(0, true)
	assert.Len(t, all, 5)
}

func TestStore_CapAndPersistence(t *testing.T) {
	ps, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := NewStore(3, ps, nil, logrus.New())
	for i := 0; i < 5; i++ {
		s.Add(types.Anomaly{ID: fmt.Sprintf("a%d", i), Type: types.AnomalyUnusualPattern, Severity: types.SeverityLow})
	}
	assert.Equal(t, 3, s.Len())

	reloaded := NewStore(3, ps, nil, logrus.New())
	require.NoError(t, reloaded.Load())
	got := reloaded.List(0, true)
	require.Len(t, got, 3)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a4", got[2].ID)
}
