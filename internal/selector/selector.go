// Package selector implements the account selection strategies of §4.5:
// round-robin, sticky, and hybrid, dispatched as tagged variants over one
// Strategy enum rather than virtual methods (per SPEC_FULL.md's design
// notes), grounded on the teacher's FillFirstSelector/RoundRobinSelector
// test-driven API shape (priority buckets, cursor-key capping) and
// generalized with the session-affinity inputs spec.md §4.5 requires.
package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/affinity"
)

// Classification explains why no account was eligible.
type Classification string

const (
	AllDisabled      Classification = "all_disabled"
	AllCoolingDown   Classification = "all_cooling_down"
	AllRefreshLocked Classification = "all_refresh_locked"
)

// NoEligibleError is returned when the pool is empty or every account fails
// the eligibility filter.
type NoEligibleError struct {
	Classification Classification
	EarliestReady  time.Time
}

func (e *NoEligibleError) Error() string {
	return fmt.Sprintf("selector: no eligible account (%s)", e.Classification)
}

const defaultMaxCursorKeys = 4096

// Selector picks an account for one attempt given the configured strategy,
// maintaining round-robin rotation cursors and delegating sticky/hybrid
// bookkeeping to an affinity.Store.
type Selector struct {
	affinity  *affinity.Store
	pidOffset int

	mu      sync.Mutex
	cursors map[string]int
	maxKeys int
}

// New constructs a Selector. pidOffset is added to the round-robin rotation
// start index so sibling processes sharing a pool do not converge on the
// same first pick.
func New(aff *affinity.Store, pidOffset int) *Selector {
	return &Selector{
		affinity:  aff,
		pidOffset: pidOffset,
		cursors:   make(map[string]int),
		maxKeys:   defaultMaxCursorKeys,
	}
}

func classify(accounts []*account.Account, now time.Time) (Classification, time.Time) {
	allDisabled := true
	earliestReady := time.Time{}
	sawCooldown := false
	sawLease := false
	for _, a := range accounts {
		if a.IsEnabled() {
			allDisabled = false
		}
		if a.CooldownUntil > 0 && a.CooldownUntil > now.UnixMilli() {
			sawCooldown = true
			t := time.UnixMilli(a.CooldownUntil)
			if earliestReady.IsZero() || t.Before(earliestReady) {
				earliestReady = t
			}
		}
		if a.RefreshLeaseUntil > 0 && a.RefreshLeaseUntil > now.UnixMilli() {
			sawLease = true
		}
	}
	switch {
	case allDisabled:
		return AllDisabled, time.Time{}
	case sawCooldown:
		return AllCoolingDown, earliestReady
	case sawLease:
		return AllRefreshLocked, time.Time{}
	default:
		return AllCoolingDown, time.Time{}
	}
}

// Pick chooses one account for this attempt, per the strategy's tie-break
// rules in §4.5. Subagent requests always use round-robin and never read or
// write session affinity.
func (s *Selector) Pick(ctx context.Context, mode account.AuthMode, strategy account.Strategy, sessionKey string, subagent bool, now time.Time, accounts []*account.Account) (*account.Account, account.SelectionTrace, error) {
	trace := account.SelectionTrace{Strategy: strategy, TotalCount: len(accounts), SessionKey: sessionKey}

	if len(accounts) == 0 {
		trace.Decision = string(AllDisabled)
		return nil, trace, &NoEligibleError{Classification: AllDisabled}
	}

	var eligible []*account.Account
	for _, a := range accounts {
		if !a.IsEnabled() {
			trace.DisabledCount++
			continue
		}
		if a.CooldownUntil > 0 && a.CooldownUntil > now.UnixMilli() {
			trace.CooldownCount++
			continue
		}
		if a.RefreshLeaseUntil > 0 && a.RefreshLeaseUntil > now.UnixMilli() {
			trace.RefreshLeaseCount++
			continue
		}
		eligible = append(eligible, a)
	}
	trace.EligibleCount = len(eligible)

	if subagent {
		return s.pickRoundRobin(mode, accounts, eligible, now, &trace)
	}

	switch strategy {
	case account.StrategySticky:
		return s.pickSticky(mode, sessionKey, accounts, eligible, now, &trace)
	case account.StrategyHybrid:
		return s.pickHybrid(mode, sessionKey, accounts, eligible, now, &trace)
	default:
		return s.pickRoundRobin(mode, accounts, eligible, now, &trace)
	}
}

func (s *Selector) pickSticky(mode account.AuthMode, sessionKey string, accounts, eligible []*account.Account, now time.Time, trace *account.SelectionTrace) (*account.Account, account.SelectionTrace, error) {
	if s.affinity != nil && sessionKey != "" {
		if key, ok := s.affinity.Sticky(mode, sessionKey); ok {
			for _, a := range eligible {
				if a.IdentityKey == key {
					trace.Decision = "sticky_hit"
					trace.SelectedIdentityKey = a.IdentityKey
					return a, *trace, nil
				}
			}
		}
	}
	picked, t, err := s.pickRoundRobin(mode, accounts, eligible, now, trace)
	if err != nil {
		return nil, t, err
	}
	if s.affinity != nil && sessionKey != "" {
		s.affinity.SetSticky(mode, sessionKey, picked.IdentityKey)
	}
	t.Decision = "sticky_fallback_round_robin"
	return picked, t, nil
}

func (s *Selector) pickHybrid(mode account.AuthMode, sessionKey string, accounts, eligible []*account.Account, now time.Time, trace *account.SelectionTrace) (*account.Account, account.SelectionTrace, error) {
	var stickyKey string
	var stickyOK bool
	if s.affinity != nil && sessionKey != "" {
		stickyKey, stickyOK = s.affinity.Sticky(mode, sessionKey)
	}
	if stickyOK {
		for _, a := range eligible {
			if a.IdentityKey == stickyKey {
				// Original recovered; drop any standing substitution.
				if s.affinity != nil && sessionKey != "" {
					s.affinity.ClearHybrid(mode, sessionKey)
				}
				trace.Decision = "hybrid_hit"
				trace.SelectedIdentityKey = a.IdentityKey
				return a, *trace, nil
			}
		}
	}
	if len(eligible) == 0 {
		class, ready := classify(accounts, now)
		return nil, *trace, &NoEligibleError{Classification: class, EarliestReady: ready}
	}
	// Sticky target ineligible: substitute the eligible account with the
	// earliest cooldownUntil expiry (soonest to recover, to minimize churn).
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CooldownUntil < eligible[j].CooldownUntil
	})
	picked := eligible[0]
	if s.affinity != nil && sessionKey != "" {
		s.affinity.SetHybrid(mode, sessionKey, picked.IdentityKey)
		if !stickyOK {
			s.affinity.SetSticky(mode, sessionKey, picked.IdentityKey)
		}
	}
	trace.Decision = "hybrid_substitute"
	trace.SelectedIdentityKey = picked.IdentityKey
	return picked, *trace, nil
}

func (s *Selector) pickRoundRobin(mode account.AuthMode, accounts, eligible []*account.Account, now time.Time, trace *account.SelectionTrace) (*account.Account, account.SelectionTrace, error) {
	if len(eligible) == 0 {
		class, ready := classify(accounts, now)
		return nil, *trace, &NoEligibleError{Classification: class, EarliestReady: ready}
	}

	// Priority buckets: only consider the highest-priority tier present
	// among eligible accounts (supplemented feature, teacher's
	// RoundRobinSelectorPick_PriorityBuckets behavior).
	topPriority := eligible[0].Priority()
	for _, a := range eligible[1:] {
		if p := a.Priority(); p > topPriority {
			topPriority = p
		}
	}
	var bucket []*account.Account
	for _, a := range eligible {
		if a.Priority() == topPriority {
			bucket = append(bucket, a)
		}
	}

	sort.Slice(bucket, func(i, j int) bool { return bucket[i].IdentityKey < bucket[j].IdentityKey })

	cursorKey := string(mode)
	s.mu.Lock()
	idx, ok := s.cursors[cursorKey]
	if !ok {
		idx = -1
	}
	start := (idx + 1 + s.pidOffset) % len(bucket)
	s.cursors[cursorKey] = start
	s.evictCursorsIfNeededLocked()
	s.mu.Unlock()

	// Prefer the eligible account with the oldest lastUsed among those
	// tied at this rotation position, scanning forward from start.
	picked := bucket[start]
	for offset := 0; offset < len(bucket); offset++ {
		cand := bucket[(start+offset)%len(bucket)]
		if cand.LastUsed < picked.LastUsed {
			picked = cand
		}
	}

	trace.SelectedIdentityKey = picked.IdentityKey
	trace.Decision = "round_robin"
	return picked, *trace, nil
}

func (s *Selector) evictCursorsIfNeededLocked() {
	for len(s.cursors) > s.maxKeys {
		for k := range s.cursors {
			delete(s.cursors, k)
			break
		}
	}
}
