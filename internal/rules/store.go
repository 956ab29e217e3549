// Package rules keeps the live firewall rule set: a local mirror of the
// authority's policy that is replaced wholesale on every successful sync.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/metrics"
	"github.com/invisible-tech/endpoint-agent/internal/persist"
	"github.com/invisible-tech/endpoint-agent/internal/types"
)

var (
	// ErrNoMappings is returned when the endpoint is mapped to no application.
	ErrNoMappings = errors.New("endpoint has no application mappings")
	// ErrNotRegistered is returned when no endpoint id is known yet.
	ErrNotRegistered = errors.New("endpoint not registered")
)

// Trigger names the channel that requested a sync.
type Trigger string

const (
	TriggerPull    Trigger = "pull"
	TriggerPush    Trigger = "push"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
)

// Source fetches policy from the authority.
type Source interface {
	GetMappings(ctx context.Context, endpointID string) ([]types.ApplicationMapping, error)
	GetApplicationRules(ctx context.Context, applicationID string) ([]types.FirewallRule, error)
}

// Identity supplies the endpoint id used to look up mappings.
type Identity interface {
	EndpointID() string
}

// Store is the only owner of the live rule set.
type Store struct {
	source   Source
	identity Identity
	enforcer Enforcer
	persist  persist.Store
	log      *logrus.Logger

	// syncMu serializes whole syncs; mu guards the live set.
	syncMu   sync.Mutex
	mu       sync.RWMutex
	rules    []types.FirewallRule
	lastSync time.Time
}

// NewStore creates an empty store. persist may be nil.
func NewStore(source Source, identity Identity, enforcer Enforcer, ps persist.Store, log *logrus.Logger) *Store {
	return &Store{
		source:   source,
		identity: identity,
		enforcer: enforcer,
		persist:  ps,
		log:      log,
	}
}

// Load restores the last persisted rule set.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	var loaded []types.FirewallRule
	if err := s.persist.Load(persist.CollectionRules, &loaded); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil
		}
		return err
	}
	sortByPriority(loaded)
	s.swap(loaded)
	s.log.WithField("rule_count", len(loaded)).Info("Loaded persisted firewall rules")
	return nil
}

// SyncFromAuthority fetches every mapped application's rules and replaces
// the live set only if every fetch succeeded. On error the live set is untouched.
func (s *Store) SyncFromAuthority(ctx context.Context, trigger Trigger) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	candidate, err := s.fetch(ctx)
	if err != nil {
		metrics.RuleSyncs.WithLabelValues(string(trigger), "error").Inc()
		s.log.WithError(err).WithField("trigger", trigger).Warn("Rule sync failed, keeping current rules")
		return err
	}

	s.swap(candidate)
	metrics.RuleSyncs.WithLabelValues(string(trigger), "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"trigger":    trigger,
		"rule_count": len(candidate),
	}).Info("Firewall rules synced")

	if s.persist != nil {
		if err := s.persist.Save(persist.CollectionRules, candidate); err != nil {
			s.log.WithError(err).Error("Failed to persist firewall rules")
		}
	}
	return nil
}

// fetch builds the candidate set without touching the live one.
func (s *Store) fetch(ctx context.Context) ([]types.FirewallRule, error) {
	endpointID := s.identity.EndpointID()
	if endpointID == "" {
		return nil, ErrNotRegistered
	}

	mappings, err := s.source.GetMappings(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil, ErrNoMappings
	}

	candidate := make([]types.FirewallRule, 0)
	seen := make(map[string]bool)
	for _, m := range mappings {
		appID := m.ApplicationID.ID
		if appID == "" {
			s.log.WithField("endpoint_id", endpointID).Warn("Skipping mapping without application id")
			continue
		}
		appRules, err := s.source.GetApplicationRules(ctx, appID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch rules for application %s: %w", appID, err)
		}
		for _, r := range appRules {
			if r.ApplicationID == "" {
				r.ApplicationID = appID
			}
			if err := types.Validate(&r); err != nil {
				metrics.RulesDropped.Inc()
				s.log.WithError(err).WithField("rule_id", r.ID).Warn("Dropping invalid rule")
				continue
			}
			if seen[r.ID] {
				metrics.RulesDropped.Inc()
				s.log.WithField("rule_id", r.ID).Warn("Dropping duplicate rule id")
				continue
			}
			seen[r.ID] = true
			candidate = append(candidate, r)
		}
	}
	sortByPriority(candidate)
	return candidate, nil
}

func (s *Store) swap(next []types.FirewallRule) {
	s.mu.Lock()
	s.rules = next
	s.lastSync = time.Now()
	s.mu.Unlock()
	metrics.RulesLive.Set(float64(len(next)))
}

// sortByPriority orders ascending by priority, keeping fetch order on ties.
func sortByPriority(rs []types.FirewallRule) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority < rs[j].Priority })
}

// Apply enforces the enabled rules in priority order. It never mutates the set.
func (s *Store) Apply(ctx context.Context) error {
	enabled := s.Enabled()
	if err := s.enforcer.Apply(ctx, enabled); err != nil {
		metrics.RuleApplies.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to apply rules: %w", err)
	}
	metrics.RuleApplies.WithLabelValues("ok").Inc()
	s.log.WithField("rule_count", len(enabled)).Debug("Firewall rules applied")
	return nil
}

// Get returns the rule with the given id.
func (s *Store) Get(id string) (types.FirewallRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return types.FirewallRule{}, false
}

// List returns a copy of the live set in priority order.
func (s *Store) List() []types.FirewallRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.FirewallRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Enabled returns a copy of the enabled rules in priority order.
func (s *Store) Enabled() []types.FirewallRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.FirewallRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the size of the live set.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// LastSync returns when the live set was last replaced, or the zero time.
func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}
