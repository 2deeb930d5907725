package failover

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/ranya-agent/internal/observability"
)

// CooldownEntry is the failure record of one profile.
type CooldownEntry struct {
	ProfileID     string    `json:"profileId"`
	ErrorCount    int       `json:"errorCount"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	LastReason    Reason    `json:"lastReason"`
}

// Active reports whether the entry still blocks its profile at now.
func (e CooldownEntry) Active(now time.Time) bool {
	return now.Before(e.CooldownUntil)
}

type cooldownTable struct {
	mu      sync.Mutex
	entries map[string]*CooldownEntry
}

func newCooldownTable() *cooldownTable {
	return &cooldownTable{entries: make(map[string]*CooldownEntry)}
}

// blockedUntil returns the cooldown deadline when profileID is cooling down.
func (t *cooldownTable) blockedUntil(profileID string, now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[profileID]
	if !ok || !e.Active(now) {
		return time.Time{}, false
	}
	return e.CooldownUntil, true
}

// fail records a consecutive failure and returns the new entry.
func (t *cooldownTable) fail(profileID string, reason Reason, retryAfter time.Duration, now time.Time) CooldownEntry {
	t.mu.Lock()
	e, ok := t.entries[profileID]
	if !ok {
		e = &CooldownEntry{ProfileID: profileID}
		t.entries[profileID] = e
	}
	e.ErrorCount++
	e.LastFailureAt = now
	e.LastReason = reason
	e.CooldownUntil = now.Add(CooldownDuration(reason, e.ErrorCount, retryAfter))
	out := *e
	t.mu.Unlock()

	observability.SetProfileCooldown(profileID, true)
	return out
}

func (t *cooldownTable) reset(profileID string) {
	t.mu.Lock()
	_, had := t.entries[profileID]
	delete(t.entries, profileID)
	t.mu.Unlock()

	if had {
		observability.SetProfileCooldown(profileID, false)
	}
}

func (t *cooldownTable) snapshot() []CooldownEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CooldownEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}
