// Package http exposes the daemon's observability surface: Prometheus
// metrics plus liveness and readiness probes. The playback surfaces stay on
// the unix control socket; nothing here mutates state.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"navitone/internal/core"
)

// Metrics implements core.Metrics on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	controlRequests *prometheus.CounterVec
	advances        *prometheus.CounterVec
	scrobbles       *prometheus.CounterVec
	nowPlaying      *prometheus.CounterVec
	remoteErrors    *prometheus.CounterVec
	playerEvents    *prometheus.CounterVec
	queueSize       prometheus.Gauge
	playbackState   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_control_requests_total",
			Help: "Control socket requests by action and outcome.",
		}, []string{"action", "status"}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_queue_advances_total",
			Help: "Queue advances by trigger (end_of_track, grace, manual).",
		}, []string{"trigger"}),
		scrobbles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_scrobbles_total",
			Help: "Scrobble submissions by outcome.",
		}, []string{"status"}),
		nowPlaying: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_now_playing_total",
			Help: "Now-playing submissions by outcome.",
		}, []string{"status"}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_remote_errors_total",
			Help: "Remote API failures by component.",
		}, []string{"component"}),
		playerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navitone_player_events_total",
			Help: "Player events consumed by kind.",
		}, []string{"kind"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navitone_queue_size",
			Help: "Number of tracks in the queue.",
		}),
		playbackState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "navitone_playback_state",
			Help: "Current playback state (1 for the active state).",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.controlRequests,
		m.advances,
		m.scrobbles,
		m.nowPlaying,
		m.remoteErrors,
		m.playerEvents,
		m.queueSize,
		m.playbackState,
	)
	return m
}

func (m *Metrics) RecordControlRequest(action, status string) {
	m.controlRequests.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordAdvance(trigger string) {
	m.advances.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordScrobble(status string) {
	m.scrobbles.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordNowPlaying(status string) {
	m.nowPlaying.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRemoteError(component string) {
	m.remoteErrors.WithLabelValues(component).Inc()
}

func (m *Metrics) RecordPlayerEvent(kind string) {
	m.playerEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueSize(n int) {
	m.queueSize.Set(float64(n))
}

func (m *Metrics) SetPlaybackState(s core.PlaybackState) {
	for _, state := range []core.PlaybackState{core.StateStopped, core.StatePlaying, core.StatePaused} {
		v := 0.0
		if state == s {
			v = 1.0
		}
		m.playbackState.WithLabelValues(state.String()).Set(v)
	}
}

// Server serves /metrics, /healthz and /readyz.
type Server struct {
	cfg     *core.HTTPConfig
	metrics *Metrics
	logger  *zap.Logger
	ready   atomic.Bool
}

func NewServer(cfg *core.HTTPConfig, metrics *Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// SetReady flips the readiness probe. The daemon marks itself ready once the
// control socket is bound and the player link is up.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run serves until ctx is cancelled, then shuts down gracefully. When the
// server is disabled it just waits for cancellation so errgroup wiring stays
// uniform.
func (s *Server) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
