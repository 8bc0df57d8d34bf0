// Client-side playback session logic.
//
// The agent turns broadcast SongState schedules into renderer actions:
// deferred starts keyed to wall-clock time, late-delivery catch-up seeks,
// autoplay fallbacks and drift snapping. It is independent of any rendering
// layer; a Renderer adapter does the actual audio output.
package player

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"listenalong/internal/playback"
	"listenalong/internal/song"
)

// Renderer is the audio output under the agent's control. Play may fail
// under platform autoplay restrictions; that is expected, not exceptional.
type Renderer interface {
	Play(ctx context.Context) error
	PlayMuted(ctx context.Context) error
	Pause()
	Seek(seconds float64)
	Position() float64
	SetVolume(v float64)
	Volume() float64
}

// Agent drives a Renderer from room playback events.
type Agent struct {
	renderer       Renderer
	logger         *log.Logger
	driftThreshold float64
	rampDuration   time.Duration
	now            func() time.Time
	after          func(d time.Duration, f func()) *time.Timer

	// onEnded emits the song-ended signal upstream when the local clock
	// passes the scheduled end.
	onEnded func()
	// onManualStart surfaces the manual-start affordance when every
	// autoplay path fails.
	onManualStart func()

	mu         sync.Mutex
	current    *song.State
	pending    *time.Timer
	endTimer   *time.Timer
	playing    bool
	needsStart bool
}

// NewAgent creates a playback agent. driftThreshold is in seconds; onEnded
// and onManualStart may be nil.
func NewAgent(renderer Renderer, logger *log.Logger, driftThreshold float64, onEnded, onManualStart func()) *Agent {
	return &Agent{
		renderer:       renderer,
		logger:         logger,
		driftThreshold: driftThreshold,
		rampDuration:   500 * time.Millisecond,
		now:            time.Now,
		after:          time.AfterFunc,
		onEnded:        onEnded,
		onManualStart:  onManualStart,
	}
}

// HandleSongPlaying schedules playback of s. A future start is deferred to
// the scheduled instant; a start already in the past seeks to the live
// position first — the catch-up rule for late delivery and late joins.
func (a *Agent) HandleSongPlaying(ctx context.Context, s *song.State) {
	now := a.now()
	if s.EndedAt(now) {
		// Delivered after the whole song elapsed; report the end instead
		// of starting playback at a position past the asset.
		if a.onEnded != nil {
			a.onEnded()
		}
		return
	}

	a.mu.Lock()
	a.cancelTimersLocked()
	a.current = s
	a.playing = false
	a.needsStart = false

	nowMs := now.UnixMilli()
	delayMs := s.StartTimeEpochMs - nowMs

	if endDelay := time.Duration(s.EndTimeEpochMs-nowMs) * time.Millisecond; endDelay > 0 {
		a.endTimer = a.after(endDelay, a.detectEnd)
	}

	if delayMs > 0 {
		a.pending = a.after(time.Duration(delayMs)*time.Millisecond, func() {
			a.start(ctx, s, 0)
		})
		a.mu.Unlock()
		a.logger.Debug("playback scheduled", "video", s.VideoID, "in_ms", delayMs)
		return
	}
	a.mu.Unlock()

	offset := float64(-delayMs) / 1000
	a.logger.Debug("late start, seeking to live position", "video", s.VideoID, "offset", offset)
	a.start(ctx, s, offset)
}

// JoinInProgress starts playback of a song that was already running when we
// joined, at the position the snapshot reported.
func (a *Agent) JoinInProgress(ctx context.Context, s *song.State, positionSeconds float64) {
	a.mu.Lock()
	a.cancelTimersLocked()
	a.current = s
	a.playing = false

	if endDelay := time.Duration(s.EndTimeEpochMs-a.now().UnixMilli()) * time.Millisecond; endDelay > 0 {
		a.endTimer = a.after(endDelay, a.detectEnd)
	}
	a.mu.Unlock()

	a.start(ctx, s, positionSeconds)
}

// HandleSync applies a drift-correction report. The position snaps to the
// reported one only when the local position is more than the threshold
// away; bounded drift under the threshold is acceptable.
func (a *Agent) HandleSync(report playback.SyncReport) {
	a.mu.Lock()
	playing := a.playing
	a.mu.Unlock()
	if !playing {
		return
	}

	local := a.renderer.Position()
	if math.Abs(local-report.PositionSeconds) <= a.driftThreshold {
		return
	}

	a.logger.Debug("drift snap", "local", local, "reported", report.PositionSeconds)
	a.renderer.Seek(report.PositionSeconds)
}

// HandleSongEnded clears playback state after the registry confirmed the
// end. Safe to call for a song we already dropped.
func (a *Agent) HandleSongEnded() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelTimersLocked()
	if a.playing {
		a.renderer.Pause()
	}
	a.current = nil
	a.playing = false
}

// HandleRoomClosed discards any scheduled start and stops playback. A
// previously scheduled start must never fire after room-closed.
func (a *Agent) HandleRoomClosed() {
	a.HandleSongEnded()
}

// ManualStart is the user-gesture fallback after every autoplay path
// failed.
func (a *Agent) ManualStart(ctx context.Context) error {
	a.mu.Lock()
	s := a.current
	a.needsStart = false
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	a.renderer.Seek(s.PositionAt(a.now()))
	if err := a.renderer.Play(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.playing = true
	a.mu.Unlock()
	return nil
}

// NeedsManualStart reports whether playback is waiting on a user gesture.
func (a *Agent) NeedsManualStart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsStart
}

// Playing reports whether the renderer is currently running.
func (a *Agent) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

// start runs the autoplay ladder: normal start, then muted start with a
// volume ramp, then the manual-start affordance.
func (a *Agent) start(ctx context.Context, s *song.State, offset float64) {
	a.mu.Lock()
	if a.current != s {
		// Canceled or replaced while we waited for the scheduled instant.
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if offset > 0 {
		a.renderer.Seek(offset)
	}

	if err := a.renderer.Play(ctx); err == nil {
		a.markPlaying()
		return
	}

	prior := a.renderer.Volume()
	if err := a.renderer.PlayMuted(ctx); err == nil {
		a.markPlaying()
		a.rampVolume(prior)
		return
	}

	a.mu.Lock()
	a.needsStart = true
	a.mu.Unlock()
	a.logger.Warn("autoplay blocked, waiting for user gesture", "video", s.VideoID)
	if a.onManualStart != nil {
		a.onManualStart()
	}
}

func (a *Agent) markPlaying() {
	a.mu.Lock()
	a.playing = true
	a.mu.Unlock()
}

// rampVolume restores the user's prior volume in steps after a muted start.
func (a *Agent) rampVolume(target float64) {
	const steps = 5
	a.renderer.SetVolume(0)
	for i := 1; i <= steps; i++ {
		i := i
		a.after(a.rampDuration*time.Duration(i)/steps, func() {
			a.renderer.SetVolume(target * float64(i) / steps)
		})
	}
}

// detectEnd fires when the local clock passes the scheduled end. The
// registry treats the first signal as authoritative; duplicates from other
// members are no-ops there.
func (a *Agent) detectEnd() {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil || !s.EndedAt(a.now()) {
		return
	}

	if a.playing {
		a.renderer.Pause()
	}
	if a.onEnded != nil {
		a.onEnded()
	}
}

func (a *Agent) cancelTimersLocked() {
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
	if a.endTimer != nil {
		a.endTimer.Stop()
		a.endTimer = nil
	}
}
