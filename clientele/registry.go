package clientele

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidInput indicates a malformed invite mapping (empty code or name).
var ErrInvalidInput = errors.New("invalid input")

// InviteRecord tracks a single guild invite: the client first name it was
// issued for (empty when the invite wasn't created through the bot), and
// the usage count observed at the last reconciliation.
type InviteRecord struct {
	Code          string `json:"code"`
	AssignedName  string `json:"assigned_name"`
	LastKnownUses int    `json:"last_known_uses"`
}

// InviteRegistry is the in-memory invite-code store shared across
// concurrent join handlers. Records are never deleted: volume is low, and
// all state is rebuilt from the guild on restart anyway.
//
// Reads may run concurrently; writes are serialized by the internal lock.
type InviteRegistry struct {
	mu      sync.RWMutex
	records map[string]*InviteRecord
	logger  *slog.Logger
}

func NewInviteRegistry(logger *slog.Logger) *InviteRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteRegistry{
		records: map[string]*InviteRecord{},
		logger:  logger.With(loggerNameKey, "invite_registry"),
	}
}

// Register inserts or overwrites the name mapping for the given invite
// code. Both values are trimmed; either being empty after trimming is
// ErrInvalidInput.
func (r *InviteRegistry) Register(code string, name string) error {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" || name == "" {
		return ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[code]
	if !ok {
		rec = &InviteRecord{Code: code}
		r.records[code] = rec
	}
	rec.AssignedName = name
	r.logger.Info("registered invite mapping", "code", code, "firstname", name)
	return nil
}

// Lookup returns the name assigned to the given invite code, if any.
func (r *InviteRegistry) Lookup(code string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[code]
	if !ok || rec.AssignedName == "" {
		return "", false
	}
	return rec.AssignedName, true
}

// SnapshotUsage returns the currently tracked usage counts, for
// reconciliation against a fresh fetch from the guild.
func (r *InviteRegistry) SnapshotUsage() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]int, len(r.records))
	for code, rec := range r.records {
		snapshot[code] = rec.LastKnownUses
	}
	return snapshot
}

// UpdateUsage sets the last-known usage count for the given code, creating
// an unattributed record if the code hasn't been seen before.
func (r *InviteRegistry) UpdateUsage(code string, uses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsafeUpdateUsage(code, uses)
}

func (r *InviteRegistry) unsafeUpdateUsage(code string, uses int) {
	rec, ok := r.records[code]
	if !ok {
		rec = &InviteRecord{Code: code}
		r.records[code] = rec
	}
	rec.LastKnownUses = uses
}

// Reconcile diffs the given current usage counts against the tracked
// counts, writes the new counts back for every code observed, and returns
// the invite code inferred to have just been consumed, if any.
//
// The snapshot-diff-writeback runs as one critical section so two joins
// reconciling at nearly the same time can't lose updates.
func (r *InviteRegistry) Reconcile(current map[string]int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]int, len(r.records))
	for code, rec := range r.records {
		previous[code] = rec.LastKnownUses
	}

	attributed, ok := attributeInvite(previous, current)

	for code, uses := range current {
		r.unsafeUpdateUsage(code, uses)
	}
	return attributed, ok
}

// attributeInvite determines which invite was consumed between two usage
// snapshots: any code whose count grew is a candidate. When multiple codes
// grew in the same pass (two joins racing between snapshots), the last
// candidate in sorted code order wins - a deterministic, documented
// best-effort tie-break, not a per-member match. Returns false when no
// code shows growth (untracked join path, or a failed fetch upstream).
func attributeInvite(previous map[string]int, current map[string]int) (
	string,
	bool,
) {
	codes := make([]string, 0, len(current))
	for code := range current {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var attributed string
	var found bool
	for _, code := range codes {
		if current[code] > previous[code] {
			attributed = code
			found = true
		}
	}
	return attributed, found
}
