package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"listenalong/internal/room"
)

// FetchFunc fetches the authoritative room snapshot, typically via the GET
// room endpoint.
type FetchFunc func(ctx context.Context) (*room.Snapshot, error)

// Reconciler is the backstop for lost broadcasts: it keeps a last-updated
// watermark and performs a full state re-fetch whenever no update has been
// observed within the staleness interval. This bounds worst-case staleness
// from any single lost message.
type Reconciler struct {
	state    *RoomState
	fetch    FetchFunc
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	// onGone fires when the re-fetch finds the room absent or closed —
	// the host may have vanished without any graceful signal.
	onGone func()

	mu   sync.Mutex
	last time.Time
}

// NewReconciler creates a reconciler over the given local state. interval
// is the staleness bound (30s in the default configuration).
func NewReconciler(state *RoomState, fetch FetchFunc, interval time.Duration, logger *log.Logger, onGone func()) *Reconciler {
	r := &Reconciler{
		state:    state,
		fetch:    fetch,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		onGone:   onGone,
	}
	r.last = r.now()
	return r
}

// Touch records that an update was observed over the session channel.
func (r *Reconciler) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = r.now()
}

// Stale reports whether the watermark has exceeded the staleness interval.
func (r *Reconciler) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.last) >= r.interval
}

// Run polls until ctx is done, re-fetching whenever the watermark goes
// stale.
func (r *Reconciler) Run(ctx context.Context) {
	tick := r.interval / 4
	if tick < time.Second {
		tick = time.Second
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.Stale() {
				continue
			}
			if err := r.Sync(ctx); err != nil {
				r.logger.Warn("reconcile failed", "err", err)
			}
		}
	}
}

// Sync performs one full re-fetch and idempotent merge. Finding the room
// gone is not an error; it resolves the host-departure case where neither
// the unload signal nor the channel close was observed.
func (r *Reconciler) Sync(ctx context.Context) error {
	snap, err := r.fetch(ctx)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			r.state.ApplyClosed()
			r.Touch()
			if r.onGone != nil {
				r.onGone()
			}
			return nil
		}
		return err
	}

	r.state.ApplySnapshot(snap)
	r.Touch()
	return nil
}
