package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

type fakeSource struct {
	mu         sync.Mutex
	mappings   []types.ApplicationMapping
	mappingErr error
	rules      map[string][]types.FirewallRule
	ruleErr    map[string]error
	calls      int
}

func (f *fakeSource) GetMappings(ctx context.Context, endpointID string) ([]types.ApplicationMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.mappings, f.mappingErr
}

func (f *fakeSource) GetApplicationRules(ctx context.Context, appID string) ([]types.FirewallRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ruleErr[appID]; err != nil {
		return nil, err
	}
	return f.rules[appID], nil
}

type fixedID string

func (f fixedID) EndpointID() string { return string(f) }

type recordingEnforcer struct {
	applied [][]types.FirewallRule
	err     error
}

func (e *recordingEnforcer) Apply(ctx context.Context, rs []types.FirewallRule) error {
	e.applied = append(e.applied, rs)
	return e.err
}

func mapping(appID string) types.ApplicationMapping {
	return types.ApplicationMapping{ApplicationID: types.ObjectRef{ID: appID}}
}

func rule(id string, priority int, enabled bool) types.FirewallRule {
	return types.FirewallRule{ID: id, Name: id, Protocol: types.ProtocolTCP, Action: types.ActionAllow, Priority: priority, Enabled: enabled}
}

func newStore(src Source, enf Enforcer, ps persist.Store) *Store {
	return NewStore(src, fixedID("ep-1"), enf, ps, logrus.New())
}

func seededStore(t *testing.T, src *fakeSource) *Store {
	t.Helper()
	src.mappings = []types.ApplicationMapping{mapping("app-1")}
	src.rules = map[string][]types.FirewallRule{"app-1": {rule("a", 1, true), rule("b", 2, true), rule("c", 3, false)}}
	s := newStore(src, &recordingEnforcer{}, nil)
	require.NoError(t, s.SyncFromAuthority(context.Background(), TriggerPull))
	require.Equal(t, 3, s.Len())
	return s
}

func TestSync_ReplacesWholeSet(t *testing.T) {
	src := &fakeSource{}
	s := seededStore(t, src)

	src.mappings = []types.ApplicationMapping{mapping("app-1"), mapping("app-2")}
	src.rules = map[string][]types.FirewallRule{
		"app-1": {rule("x", 5, true)},
		"app-2": {rule("y", 1, true)},
	}
	require.NoError(t, s.SyncFromAuthority(context.Background(), TriggerPush))

	got := s.List()
	require.Len(t, got, 2)
	assert.Equal(t, "y", got[0].ID, "lower priority first")
	assert.Equal(t, "x", got[1].ID)
	assert.Equal(t, "app-2", got[0].ApplicationID, "owning application filled in")
	_, ok := s.Get("a")
	assert.False(t, ok, "old rules must be gone")
	assert.False(t, s.LastSync().IsZero())
}

func TestSync_EmptyMappingsKeepsLiveSet(t *testing.T) {
	src := &fakeSource{}
	s := seededStore(t, src)

	src.mappings = nil
	err := s.SyncFromAuthority(context.Background(), TriggerPull)
	assert.True(t, errors.Is(err, ErrNoMappings))
	assert.Equal(t, 3, s.Len())
}

func TestSync_AnyApplicationFailureKeepsLiveSet(t *testing.T) {
	src := &fakeSource{}
	s := seededStore(t, src)
	before := s.List()

	src.mappings = []types.ApplicationMapping{mapping("app-1"), mapping("app-2")}
	src.rules = map[string][]types.FirewallRule{"app-1": {rule("new", 0, true)}}
	src.ruleErr = map[string]error{"app-2": errors.New("connection refused")}

	err := s.SyncFromAuthority(context.Background(), TriggerPull)
	require.Error(t, err)
	assert.Equal(t, before, s.List())
}

func TestSync_MappingFailureKeepsLiveSet(t *testing.T) {
	src := &fakeSource{}
	s := seededStore(t, src)
	src.mappingErr = errors.New("timeout")
	assert.Error(t, s.SyncFromAuthority(context.Background(), TriggerPull))
	assert.Equal(t, 3, s.Len())
}

func TestSync_NotRegistered(t *testing.T) {
	s := NewStore(&fakeSource{}, fixedID(""), &recordingEnforcer{}, nil, logrus.New())
	err := s.SyncFromAuthority(context.Background(), TriggerPull)
	assert.True(t, errors.Is(err, ErrNotRegistered))
}

func TestSync_DropsInvalidAndDuplicateRules(t *testing.T) {
	src := &fakeSource{
		mappings: []types.ApplicationMapping{mapping("app-1"), mapping("app-2")},
		rules: map[string][]types.FirewallRule{
			"app-1": {rule("a", 0, true), {ID: "bad", Protocol: "GRE", Action: types.ActionDeny}},
			"app-2": {rule("a", 0, true)},
		},
	}
	s := newStore(src, &recordingEnforcer{}, nil)
	require.NoError(t, s.SyncFromAuthority(context.Background(), TriggerPull))
	got := s.List()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "app-1", got[0].ApplicationID)
}

func TestApply_EnabledOnlyInOrder(t *testing.T) {
	src := &fakeSource{}
	src.mappings = []types.ApplicationMapping{mapping("app-1")}
	src.rules = map[string][]types.FirewallRule{"app-1": {rule("late", 9, true), rule("off", 0, false), rule("early", 1, true)}}
	enf := &recordingEnforcer{}
	s := newStore(src, enf, nil)
	require.NoError(t, s.SyncFromAuthority(context.Background(), TriggerPull))

	require.NoError(t, s.Apply(context.Background()))
	require.Len(t, enf.applied, 1)
	applied := enf.applied[0]
	require.Len(t, applied, 2)
	assert.Equal(t, "early", applied[0].ID)
	assert.Equal(t, "late", applied[1].ID)
	assert.Equal(t, 3, s.Len(), "apply never mutates the set")

	enf.err = errors.New("filter unavailable")
	assert.Error(t, s.Apply(context.Background()))
}

func TestList_IsDefensiveCopy(t *testing.T) {
	s := seededStore(t, &fakeSource{})
	got := s.List()
	got[0].Name = "mutated"
	r, ok := s.Get(got[0].ID)
	require.True(t, ok)
	assert.NotEqual(t, "mutated", r.Name)
}

func TestPersistAndReload(t *testing.T) {
	ps, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)

	src := &fakeSource{
		mappings: []types.ApplicationMapping{mapping("app-1")},
		rules:    map[string][]types.FirewallRule{"app-1": {rule("a", 2, true), rule("b", 1, false)}},
	}
	s := newStore(src, &recordingEnforcer{}, ps)
	require.NoError(t, s.SyncFromAuthority(context.Background(), TriggerPull))

	reloaded := newStore(&fakeSource{}, &recordingEnforcer{}, ps)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, s.List(), reloaded.List())
}

func TestLoad_NothingPersisted(t *testing.T) {
	ps, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := newStore(&fakeSource{}, &recordingEnforcer{}, ps)
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentSyncAndRead(t *testing.T) {
	src := &fakeSource{}
	s := seededStore(t, src)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SyncFromAuthority(context.Background(), TriggerPush)
		}()
		go func() {
			defer wg.Done()
			if n := len(s.List()); n != 3 {
				t.Errorf("reader saw %d rules, want 3", n)
			}
		}()
	}
	wg.Wait()
}

func TestLogEnforcer(t *testing.T) {
	e := NewLogEnforcer(logrus.New())
	assert.NoError(t, e.Apply(context.Background(), []types.FirewallRule{rule("a", 0, true)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, e.Apply(ctx, []types.FirewallRule{rule("a", 0, true)}))
}
