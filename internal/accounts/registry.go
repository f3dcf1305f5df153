// Package accounts owns the fleet of brokerage accounts: client handles,
// cached balance/position snapshots, and the startup capability probe.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/broker"
	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
)

// ErrAccountNotFound is returned by strict lookups for unknown account names.
var ErrAccountNotFound = errors.New("accounts: account not found")

// ErrAccountBlocked is returned for balance reads on accounts registered
// without credentials.
var ErrAccountBlocked = errors.New("accounts: account blocked, no credentials")

// Status is the health of one account's snapshot.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusError   Status = "ERROR"
	StatusBlocked Status = "BLOCKED"
)

// Handle bundles one account's broker client with its execution parameters.
type Handle struct {
	Name          string
	Client        broker.Client
	Delay         time.Duration // artificial submit stagger
	QtyMultiplier float64

	// Blocked registers the account without usable credentials. It shows
	// up in status surfaces but is never refreshed, probed or traded.
	Blocked bool
}

// Snapshot is the cached view of one account. It is refreshed from the
// broker and never mutated locally except by a refresh.
type Snapshot struct {
	Name        string            `json:"name"`
	Account     broker.Account    `json:"account"`
	Positions   []broker.Position `json:"positions"`
	Status      Status            `json:"status"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	LastError   string            `json:"last_error,omitempty"`

	// StartingEquity is the account's equity at the first refresh of the
	// trading day named by StartingDay. Daily P&L surfaces derive from it.
	StartingEquity float64 `json:"starting_equity,omitempty"`
	StartingDay    string  `json:"starting_day,omitempty"`
}

// DailyPnL returns the account's equity change since the day's first
// refresh, as a fraction. Zero before the baseline exists.
func (s *Snapshot) DailyPnL() float64 {
	if s.StartingEquity <= 0 {
		return 0
	}
	return s.Account.Equity/s.StartingEquity - 1
}

// Capabilities records what the startup probe found an account able to do.
type Capabilities struct {
	Trading bool `json:"trading"`
	Data    bool `json:"data"`
}

// SnapshotStore persists snapshots across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Registry owns all account handles and their cached snapshots. Balance
// reads are served from the cache and refreshed at most once per TTL.
type Registry struct {
	mu        sync.RWMutex
	handles   map[string]*Handle
	order     []string
	primary   string
	snapshots map[string]*Snapshot
	caps      map[string]Capabilities
	pending   map[string][]broker.FillUpdate
	ttl       time.Duration

	store  SnapshotStore
	bus    *events.EventBus
	logger zerolog.Logger
}

// maxPendingFills bounds the reconciliation set per account between
// refreshes; a stalled refresh loop must not grow it without limit.
const maxPendingFills = 256

// NewRegistry builds a registry from pre-constructed handles. The primary
// account is the fallback target for unknown names.
func NewRegistry(handles []Handle, primary string, ttl time.Duration, bus *events.EventBus, logger zerolog.Logger) (*Registry, error) {
	if len(handles) == 0 {
		return nil, errors.New("accounts: no accounts configured")
	}

	r := &Registry{
		handles:   make(map[string]*Handle, len(handles)),
		order:     make([]string, 0, len(handles)),
		primary:   primary,
		snapshots: make(map[string]*Snapshot, len(handles)),
		caps:      make(map[string]Capabilities, len(handles)),
		pending:   make(map[string][]broker.FillUpdate),
		ttl:       ttl,
		bus:       bus,
		logger:    logger.With().Str("component", "account_registry").Logger(),
	}

	for i := range handles {
		h := handles[i]
		if h.Name == "" {
			return nil, errors.New("accounts: account with empty name")
		}
		if _, dup := r.handles[h.Name]; dup {
			return nil, fmt.Errorf("accounts: duplicate account %q", h.Name)
		}
		if h.Client == nil {
			return nil, fmt.Errorf("accounts: account %q has no client", h.Name)
		}
		if h.QtyMultiplier <= 0 {
			h.QtyMultiplier = 1.0
		}
		r.handles[h.Name] = &h
		r.order = append(r.order, h.Name)
		if h.Blocked {
			r.snapshots[h.Name] = &Snapshot{Name: h.Name, Status: StatusBlocked, LastError: "no credentials"}
		} else {
			r.snapshots[h.Name] = &Snapshot{Name: h.Name, Status: StatusError, LastError: "not yet refreshed"}
		}
	}

	if _, ok := r.handles[primary]; !ok {
		return nil, fmt.Errorf("accounts: primary account %q not configured", primary)
	}
	return r, nil
}

// SetStore attaches a persistence layer for snapshots. Optional.
func (r *Registry) SetStore(store SnapshotStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// RestoreFromStore seeds the cache with persisted snapshots so status
// endpoints work before the first live refresh. Best effort.
func (r *Registry) RestoreFromStore(ctx context.Context) {
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store == nil {
		return
	}

	snaps, err := store.LoadSnapshots(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not restore account snapshots")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for i := range snaps {
		snap := snaps[i]
		if _, ok := r.handles[snap.Name]; !ok {
			continue
		}
		r.snapshots[snap.Name] = &snap
		restored++
	}
	if restored > 0 {
		r.logger.Info().Int("accounts", restored).Msg("restored account snapshots")
	}
}

// Lookup returns the handle for name, or ErrAccountNotFound.
func (r *Registry) Lookup(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, name)
	}
	return h, nil
}

// GetClient resolves name to a handle. Unknown names fall back to the
// primary account with a warning instead of aborting the cycle.
func (r *Registry) GetClient(name string) *Handle {
	h, err := r.Lookup(name)
	if err == nil {
		return h
	}

	r.logger.Warn().Str("account", name).Str("fallback", r.primary).
		Msg("unknown account, falling back to primary")
	primary, _ := r.Lookup(r.primary)
	return primary
}

// PrimaryName returns the designated primary account name.
func (r *Registry) PrimaryName() string {
	return r.primary
}

// Names returns account names in configured order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// GetBalance returns the cached account snapshot, refreshing it from the
// broker when the TTL has lapsed. Unknown names resolve to the primary.
func (r *Registry) GetBalance(ctx context.Context, name string) (broker.Account, error) {
	h := r.GetClient(name)

	r.mu.RLock()
	snap := r.snapshots[h.Name]
	fresh := snap.Status != StatusError && time.Since(snap.RefreshedAt) < r.ttl
	acct := snap.Account
	r.mu.RUnlock()

	if fresh {
		return acct, nil
	}

	if err := r.refreshOne(ctx, h); err != nil {
		// Serve the stale value if one exists; the snapshot already
		// carries StatusError for the status surface.
		r.mu.RLock()
		defer r.mu.RUnlock()
		prev := r.snapshots[h.Name]
		if prev.RefreshedAt.IsZero() {
			return broker.Account{}, err
		}
		return prev.Account, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[h.Name].Account, nil
}

// Positions returns the cached position snapshot for one account.
func (r *Registry) Positions(name string) []broker.Position {
	h := r.GetClient(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := r.snapshots[h.Name]
	out := make([]broker.Position, len(snap.Positions))
	copy(out, snap.Positions)
	return out
}

// Snapshot returns the full cached snapshot for one account.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[name]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// ListAccounts returns snapshot copies in configured order.
func (r *Registry) ListAccounts() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.snapshots[name])
	}
	return out
}

// RefreshAll refreshes every account's snapshot from the broker. Failures
// keep the previous cached value and mark the account ERROR. Called once
// per coordination cycle.
func (r *Registry) RefreshAll(ctx context.Context) {
	refreshed, failed := 0, 0
	for _, name := range r.Names() {
		h, err := r.Lookup(name)
		if err != nil || h.Blocked {
			continue
		}
		if err := r.refreshOne(ctx, h); err != nil {
			failed++
			continue
		}
		refreshed++
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type: events.EventAccountRefresh,
			Data: map[string]interface{}{"refreshed": refreshed, "failed": failed},
		})
	}
}

// RecordFill adds a stream fill to the account's pending-reconciliation
// set. The set exists so status surfaces know a snapshot is behind the
// broker; the next successful refresh absorbs the fills and clears it.
func (r *Registry) RecordFill(name string, fu broker.FillUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[name]; !ok {
		return
	}
	set := r.pending[name]
	if len(set) >= maxPendingFills {
		set = set[1:]
	}
	r.pending[name] = append(set, fu)
}

// PendingFills returns how many stream fills await the next refresh.
func (r *Registry) PendingFills(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending[name])
}

// refreshOne fetches account and positions for a single handle.
func (r *Registry) refreshOne(ctx context.Context, h *Handle) error {
	if h.Blocked {
		return fmt.Errorf("%w: %q", ErrAccountBlocked, h.Name)
	}

	acct, err := h.Client.GetAccount(ctx)
	if err != nil {
		r.markError(h.Name, err)
		return err
	}

	positions, err := h.Client.ListPositions(ctx)
	if err != nil {
		r.markError(h.Name, err)
		return err
	}

	status := StatusActive
	if acct.TradingBlocked || acct.Status == "INACTIVE" {
		status = StatusBlocked
	}

	now := time.Now()
	snap := Snapshot{
		Name:        h.Name,
		Account:     *acct,
		Positions:   positions,
		Status:      status,
		RefreshedAt: now,
	}

	r.mu.Lock()
	// The day's first refresh fixes the daily-P&L baseline; later
	// refreshes carry it forward until the date rolls.
	day := now.Format("2006-01-02")
	if prev := r.snapshots[h.Name]; prev.StartingDay == day && prev.StartingEquity > 0 {
		snap.StartingEquity = prev.StartingEquity
		snap.StartingDay = prev.StartingDay
	} else {
		snap.StartingEquity = acct.Equity
		snap.StartingDay = day
	}
	reconciled := len(r.pending[h.Name])
	delete(r.pending, h.Name)
	r.snapshots[h.Name] = &snap
	store := r.store
	r.mu.Unlock()

	if reconciled > 0 {
		r.logger.Info().Str("account", h.Name).Int("fills", reconciled).
			Msg("pending stream fills reconciled by refresh")
	}

	metrics.AccountEquity.WithLabelValues(h.Name).Set(acct.Equity)

	if store != nil {
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			r.logger.Debug().Err(err).Str("account", h.Name).Msg("snapshot persist failed")
		}
	}
	return nil
}

// markError flags a failed refresh without discarding the previous snapshot.
func (r *Registry) markError(name string, cause error) {
	r.mu.Lock()
	snap := r.snapshots[name]
	snap.Status = StatusError
	snap.LastError = cause.Error()
	r.mu.Unlock()

	metrics.AccountRefreshErrors.WithLabelValues(name).Inc()
	r.logger.Error().Err(cause).Str("account", name).Msg("account refresh failed")
	if r.bus != nil {
		r.bus.PublishAccountError(name, cause)
	}
}

// VerifyAll probes each account once at startup and records what it can
// do. The probe replaces shape-guessing at call time with a typed result.
func (r *Registry) VerifyAll(ctx context.Context, probeSymbol string) map[string]Capabilities {
	out := make(map[string]Capabilities, len(r.order))

	for _, name := range r.Names() {
		h, err := r.Lookup(name)
		if err != nil {
			continue
		}

		caps := Capabilities{}
		if h.Blocked {
			r.mu.Lock()
			r.caps[name] = caps
			r.mu.Unlock()
			out[name] = caps
			continue
		}
		if _, err := h.Client.GetAccount(ctx); err == nil {
			caps.Trading = true
		} else {
			r.logger.Warn().Err(err).Str("account", name).Msg("trading probe failed")
		}
		if _, err := h.Client.GetLatestPrice(ctx, probeSymbol); err == nil {
			caps.Data = true
		} else {
			r.logger.Warn().Err(err).Str("account", name).Msg("data probe failed")
		}

		r.mu.Lock()
		r.caps[name] = caps
		r.mu.Unlock()
		out[name] = caps

		r.logger.Info().Str("account", name).
			Bool("trading", caps.Trading).Bool("data", caps.Data).
			Msg("account verified")
	}
	return out
}

// Capabilities returns the probe result for one account.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// TotalEquity sums equity across all non-errored snapshots.
func (r *Registry) TotalEquity() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, snap := range r.snapshots {
		if snap.Status == StatusError && snap.RefreshedAt.IsZero() {
			continue
		}
		total += snap.Account.Equity
	}
	return total
}

// TotalCash sums available cash across all non-errored snapshots.
func (r *Registry) TotalCash() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, snap := range r.snapshots {
		if snap.Status == StatusError && snap.RefreshedAt.IsZero() {
			continue
		}
		total += snap.Account.Cash
	}
	return total
}
