// Package player adapts external audio players to the daemon's transport
// command and event model. Two backends exist: a spawned mpv process driven
// over its JSON IPC socket, and a running MPD instance.
package player

import (
	"fmt"

	"go.uber.org/zap"

	"navitone/internal/core"
)

// New builds the configured player backend. Failure here is fatal to the
// daemon; once connected, lost links are retried lazily per command.
func New(cfg *core.PlayerConfig, logger *zap.Logger) (core.PlayerLink, error) {
	switch cfg.Backend {
	case "", "mpv":
		return SpawnMPV(cfg, logger)
	case "mpd":
		return DialMPD(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown player backend %q", cfg.Backend)
	}
}

// pushEvent delivers an event to a bounded channel, discarding the oldest
// pending event when full so a stalled consumer never blocks the producer.
func pushEvent(events chan core.PlayerEvent, ev core.PlayerEvent) {
	for {
		select {
		case events <- ev:
			return
		default:
		}
		select {
		case <-events:
		default:
		}
	}
}
