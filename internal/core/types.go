// Package core owns the playback queue, the playback state machine, and the
// event/advance loop that keeps the remote server in sync with the player.
package core

import (
	"context"
	"encoding/json"
	"time"
)

// Track is an immutable catalog descriptor. It is never mutated after it has
// been enqueued.
type Track struct {
	ID       string
	Title    string
	Artist   string
	Album    string
	Duration time.Duration // 0 when the catalog does not report one
	TrackNo  int
	Disc     int
}

// PlaybackState is the daemon-wide playback mode.
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

func (s PlaybackState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Status is a read-only snapshot of the current playback intent.
type Status struct {
	State    PlaybackState
	Track    *Track
	Position time.Duration
	QueueLen int
	Index    int
	Shuffled bool
}

// PlayerEventKind discriminates events surfaced by a PlayerLink.
type PlayerEventKind int

const (
	EventPositionUpdate PlayerEventKind = iota
	EventEndOfTrack
	EventPlayerError
)

// PlayerEvent is a typed signal read from the external player process.
type PlayerEvent struct {
	Kind     PlayerEventKind
	Position float64 // seconds, valid for EventPositionUpdate
	Reason   string  // valid for EventEndOfTrack and EventPlayerError
}

// PlayerLink adapts the daemon's transport commands to an external player
// process. Commands fail with ErrPlayerUnreachable while the player is
// disconnected; the link retries the connection lazily on the next command.
type PlayerLink interface {
	// Load opens a new stream in the player, replacing whatever is loaded.
	Load(ctx context.Context, streamURL string) error
	// Pause sets or clears the paused flag.
	Pause(ctx context.Context, paused bool) error
	// SeekAbsolute jumps to an absolute position in seconds.
	SeekAbsolute(ctx context.Context, seconds float64) error
	// Stop unloads the current stream.
	Stop(ctx context.Context) error
	// AdjustVolume shifts the volume by delta, clamped to 0..100, and
	// returns the resulting volume.
	AdjustVolume(ctx context.Context, delta int) (int, error)
	// PollEvent returns the next pending event without blocking.
	PollEvent() (PlayerEvent, bool)
	Close() error
}

// Item is a named catalog entity (artist, album, or playlist).
type Item struct {
	ID   string
	Name string
}

// CatalogClient talks to the remote music server. Implementations perform no
// caching; failures are non-fatal to the daemon.
type CatalogClient interface {
	StreamURL(trackID string) (string, error)
	NowPlaying(ctx context.Context, trackID string) error
	Scrobble(ctx context.Context, trackID string) error
	SetRating(ctx context.Context, trackID string, rating int) error
	Star(ctx context.Context, trackID string) error
	Unstar(ctx context.Context, trackID string) error

	RandomSongs(ctx context.Context, size int) ([]Track, error)
	AllSongs(ctx context.Context) ([]Track, error)
	StarredSongs(ctx context.Context) ([]Track, error)
	FindArtist(ctx context.Context, query string) (*Item, error)
	FindAlbum(ctx context.Context, query string) (*Item, error)
	FindPlaylist(ctx context.Context, query string) (*Item, error)
	ArtistAlbumIDs(ctx context.Context, artistID string) ([]string, error)
	AlbumSongs(ctx context.Context, albumID string) ([]Track, error)
	PlaylistSongs(ctx context.Context, playlistID string) ([]Track, error)

	CreatePlaylistWithSong(ctx context.Context, name, trackID string) error
	AddSongToPlaylist(ctx context.Context, playlistID, trackID string) error
	DeletePlaylist(ctx context.Context, playlistID string) error

	// Call forwards a raw API request and returns the response body.
	Call(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error)
}

// Metrics records playback counters. The HTTP server implements it; tests and
// metrics-less runs use NopMetrics.
type Metrics interface {
	RecordControlRequest(action, status string)
	RecordAdvance(trigger string)
	RecordScrobble(status string)
	RecordNowPlaying(status string)
	RecordRemoteError(component string)
	RecordPlayerEvent(kind string)
	SetQueueSize(n int)
	SetPlaybackState(s PlaybackState)
}

// NopMetrics discards all recordings.
type NopMetrics struct{}

func (NopMetrics) RecordControlRequest(_, _ string) {}
func (NopMetrics) RecordAdvance(_ string)           {}
func (NopMetrics) RecordScrobble(_ string)          {}
func (NopMetrics) RecordNowPlaying(_ string)        {}
func (NopMetrics) RecordRemoteError(_ string)       {}
func (NopMetrics) RecordPlayerEvent(_ string)       {}
func (NopMetrics) SetQueueSize(_ int)               {}
func (NopMetrics) SetPlaybackState(_ PlaybackState) {}
