package player

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"go.uber.org/zap"

	"navitone/internal/core"
)

// MPD drives a running MPD instance through its control protocol. Position
// updates are synthesized from a status poll so the event surface matches the
// mpv backend.
type MPD struct {
	cfg    *core.PlayerConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *mpd.Client

	events chan core.PlayerEvent
	done   chan struct{}
	once   sync.Once
}

// DialMPD connects to the configured MPD address and starts the status poll.
func DialMPD(cfg *core.PlayerConfig, logger *zap.Logger) (*MPD, error) {
	m := &MPD{
		cfg:    cfg,
		logger: logger,
		events: make(chan core.PlayerEvent, 128),
		done:   make(chan struct{}),
	}
	if err := m.withClient(func(c *mpd.Client) error { return c.Ping() }); err != nil {
		return nil, err
	}
	go m.pollLoop()
	return m, nil
}

func (m *MPD) Load(ctx context.Context, url string) error {
	err := m.withClient(func(c *mpd.Client) error {
		if err := c.Clear(); err != nil {
			return err
		}
		if err := c.Add(url); err != nil {
			return fmt.Errorf("%w: add: %v", core.ErrPlayerRejected, err)
		}
		return c.Play(0)
	})
	return err
}

func (m *MPD) Pause(ctx context.Context, paused bool) error {
	return m.withClient(func(c *mpd.Client) error { return c.Pause(paused) })
}

func (m *MPD) SeekAbsolute(ctx context.Context, seconds float64) error {
	return m.withClient(func(c *mpd.Client) error {
		return c.SeekCur(time.Duration(seconds*float64(time.Second)), false)
	})
}

func (m *MPD) Stop(ctx context.Context) error {
	return m.withClient(func(c *mpd.Client) error { return c.Stop() })
}

func (m *MPD) AdjustVolume(ctx context.Context, delta int) (int, error) {
	next := 0
	err := m.withClient(func(c *mpd.Client) error {
		attrs, err := c.Status()
		if err != nil {
			return err
		}
		current, err := strconv.Atoi(attrs["volume"])
		if err != nil {
			return fmt.Errorf("parse volume %q: %w", attrs["volume"], err)
		}
		next = current + delta
		if next < 0 {
			next = 0
		}
		if next > 100 {
			next = 100
		}
		return c.SetVolume(next)
	})
	return next, err
}

func (m *MPD) PollEvent() (core.PlayerEvent, bool) {
	select {
	case ev := <-m.events:
		return ev, true
	default:
		return core.PlayerEvent{}, false
	}
}

func (m *MPD) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.client != nil {
			_ = m.client.Close()
			m.client = nil
		}
		m.mu.Unlock()
	})
	return nil
}

// withClient runs f against a lazily established connection. A failing
// connection is dropped so the next call redials.
func (m *MPD) withClient(f func(*mpd.Client) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		var (
			c   *mpd.Client
			err error
		)
		if m.cfg.MPDPassword != "" {
			c, err = mpd.DialAuthenticated("tcp", m.cfg.MPDAddress, m.cfg.MPDPassword)
		} else {
			c, err = mpd.Dial("tcp", m.cfg.MPDAddress)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrPlayerUnreachable, err)
		}
		m.client = c
	}
	if err := f(m.client); err != nil {
		// Distinguish a dead connection from a command the server refused.
		if pingErr := m.client.Ping(); pingErr != nil {
			_ = m.client.Close()
			m.client = nil
			return fmt.Errorf("%w: %v", core.ErrPlayerUnreachable, err)
		}
		return err
	}
	return nil
}

// pollLoop synthesizes position updates and end-of-track events from the MPD
// status. A transition from a loaded state to "stop" is reported as an end of
// track; the daemon distinguishes its own stops by queue state.
func (m *MPD) pollLoop() {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	loaded := false
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		var attrs mpd.Attrs
		err := m.withClient(func(c *mpd.Client) error {
			a, err := c.Status()
			if err != nil {
				return err
			}
			attrs = a
			return nil
		})
		if err != nil {
			m.logger.Debug("status poll failed", zap.Error(err))
			continue
		}
		switch attrs["state"] {
		case "play", "pause":
			loaded = true
			if pos, err := strconv.ParseFloat(attrs["elapsed"], 64); err == nil {
				pushEvent(m.events, core.PlayerEvent{Kind: core.EventPositionUpdate, Position: pos})
			}
		case "stop":
			if loaded {
				loaded = false
				pushEvent(m.events, core.PlayerEvent{Kind: core.EventEndOfTrack, Reason: "eof"})
			}
		}
	}
}
