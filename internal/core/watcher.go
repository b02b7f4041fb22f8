package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SubmitLog records which track starts already had a remote submission, so
// now-playing and scrobble fire once per track even when the player repeats
// its signals.
type SubmitLog interface {
	// MarkOnce records the key and reports whether it was newly recorded.
	MarkOnce(key string) bool
}

// SubmitGate rate-limits remote submissions per key.
type SubmitGate interface {
	Allow(key string) bool
}

// Watcher is the event/advance loop: it drains player events on a fixed
// cadence, keeps the EndWatch fresh, drives now-playing and scrobble
// submissions, and triggers auto-advance on detected or implied track end.
type Watcher struct {
	state   *State
	player  PlayerLink
	catalog CatalogClient
	submits SubmitLog
	gate    SubmitGate
	metrics Metrics
	logger  *zap.Logger

	interval time.Duration
	grace    time.Duration
}

func NewWatcher(
	cfg *Config,
	state *State,
	player PlayerLink,
	catalog CatalogClient,
	submits SubmitLog,
	gate SubmitGate,
	metrics Metrics,
	logger *zap.Logger,
) *Watcher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Watcher{
		state:    state,
		player:   player,
		catalog:  catalog,
		submits:  submits,
		gate:     gate,
		metrics:  metrics,
		logger:   logger,
		interval: cfg.Player.PollInterval,
		grace:    cfg.App.EndGrace,
	}
}

// Run polls until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("starting event loop",
		zap.Duration("interval", w.interval),
		zap.Duration("grace", w.grace))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("event loop stopped")
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick drains all pending player events, then evaluates the grace fallback.
// Exported so tests can drive the loop without real time.
func (w *Watcher) Tick(ctx context.Context) {
	for {
		ev, ok := w.player.PollEvent()
		if !ok {
			break
		}
		switch ev.Kind {
		case EventPositionUpdate:
			w.metrics.RecordPlayerEvent("position")
			w.handlePosition(ctx, ev.Position)
		case EventEndOfTrack:
			w.metrics.RecordPlayerEvent("end")
			w.handleEnd(ctx, ev.Reason)
		case EventPlayerError:
			w.metrics.RecordPlayerEvent("error")
			w.logger.Warn("player error event", zap.String("reason", ev.Reason))
		}
	}
	w.checkGrace(ctx)
}

func (w *Watcher) handlePosition(ctx context.Context, pos float64) {
	obs, ok := w.state.ObservePosition(pos)
	if !ok {
		return
	}
	if !obs.Playing {
		return
	}

	// One now-playing submission per track start, rate-limited so a
	// flapping player cannot spam the server.
	key := submitKey("np", obs.Generation, obs.TrackID)
	if !w.submits.MarkOnce(key) {
		return
	}
	if w.gate != nil && !w.gate.Allow("nowplaying:"+obs.TrackID) {
		w.logger.Debug("now-playing submission throttled", zap.String("trackID", obs.TrackID))
		return
	}
	trackID := obs.TrackID
	go func() {
		if err := w.catalog.NowPlaying(ctx, trackID); err != nil {
			w.metrics.RecordNowPlaying("error")
			w.metrics.RecordRemoteError("nowplaying")
			w.logger.Warn("now-playing submission failed",
				zap.String("trackID", trackID),
				zap.Error(err))
			return
		}
		w.metrics.RecordNowPlaying("ok")
	}()
}

func (w *Watcher) handleEnd(ctx context.Context, reason string) {
	if w.state.ConsumeEndSuppression() {
		w.logger.Debug("suppressed end-of-track from replaced stream",
			zap.String("reason", reason))
		return
	}

	snap, ok := w.state.Watch()
	if !ok {
		return
	}

	w.scrobble(ctx, snap.Generation, snap.TrackID)
	w.advance(ctx, snap.Generation, "end_of_track")
}

// checkGrace implements the fallback for players that miss or delay their
// end notification: if the position has stalled for longer than the grace
// period while playing and the known duration has been reached, assume the
// track ended.
func (w *Watcher) checkGrace(ctx context.Context) {
	snap, ok := w.state.Watch()
	if !ok || snap.Advanced || snap.State != StatePlaying {
		return
	}
	if snap.Duration <= 0 {
		return
	}
	if time.Since(snap.LastUpdate) < w.grace {
		return
	}
	// Quarter-second slack absorbs the jitter between the final position
	// report and the real end of the stream.
	if snap.LastPos+0.25 < snap.Duration.Seconds() {
		return
	}

	w.logger.Info("implicit end of track",
		zap.String("trackID", snap.TrackID),
		zap.Float64("lastPos", snap.LastPos),
		zap.Duration("duration", snap.Duration))

	w.scrobble(ctx, snap.Generation, snap.TrackID)
	w.advance(ctx, snap.Generation, "grace")
}

func (w *Watcher) advance(ctx context.Context, generation uint64, trigger string) {
	advanced, err := w.state.AutoAdvance(ctx, generation, trigger)
	if err != nil {
		w.logger.Warn("auto-advance failed",
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}
	if advanced {
		w.logger.Debug("advanced queue", zap.String("trigger", trigger))
	}
}

// scrobble submits a play-count record without stalling the poll cadence. A
// failed scrobble never blocks the advance.
func (w *Watcher) scrobble(ctx context.Context, generation uint64, trackID string) {
	if !w.submits.MarkOnce(submitKey("scrobble", generation, trackID)) {
		return
	}
	go func() {
		if err := w.catalog.Scrobble(ctx, trackID); err != nil {
			w.metrics.RecordScrobble("error")
			w.metrics.RecordRemoteError("scrobble")
			w.logger.Warn("scrobble failed",
				zap.String("trackID", trackID),
				zap.Error(err))
			return
		}
		w.metrics.RecordScrobble("ok")
	}()
}

func submitKey(kind string, generation uint64, trackID string) string {
	return fmt.Sprintf("%s:%d:%s", kind, generation, trackID)
}
