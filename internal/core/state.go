package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoTracks reports a shuffle or album source that resolved to nothing.
var ErrNoTracks = errors.New("no tracks found")

// ShuffleScope selects the source set for a shuffle operation.
type ShuffleScope int

const (
	ScopeLibrary ShuffleScope = iota
	ScopeLiked
	ScopeArtist
	ScopeAlbum
	ScopePlaylist
)

// EndWatch tracks playback progress of the current track so the advance loop
// can detect a missed end-of-track signal. At most one is live at a time and
// it always refers to the currently playing track.
type EndWatch struct {
	Generation uint64
	TrackID    string
	LastPos    float64 // seconds
	LastUpdate time.Time
	Advanced   bool // guards against double-advance within one track
}

// EndWatchSnapshot is a copy of the live EndWatch plus the context the
// advance loop needs to evaluate the grace fallback.
type EndWatchSnapshot struct {
	Generation uint64
	TrackID    string
	Duration   time.Duration
	LastPos    float64
	LastUpdate time.Time
	Advanced   bool
	State      PlaybackState
}

// PositionObservation is returned by ObservePosition so the advance loop can
// key once-per-track submissions.
type PositionObservation struct {
	Generation uint64
	TrackID    string
	Playing    bool
}

// State is the single owner of the playback queue, the playback state
// machine, and the live EndWatch. Every mutation goes through its command
// surface, which serializes concurrent callers behind one mutex.
type State struct {
	cfg     *Config
	player  PlayerLink
	catalog CatalogClient
	metrics Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	queue      []Track
	index      int // -1 when no current position
	state      PlaybackState
	shuffled   bool
	watch      *EndWatch
	generation uint64

	// suppressNextEnd swallows the end-of-track notification a player
	// emits for the file a load just replaced. Cleared on the first
	// position update of the new track, and void past suppressEndBy so a
	// track that ends before reporting any position keeps its genuine end.
	suppressNextEnd bool
	suppressEndBy   time.Time
}

// The spurious end for a replaced stream arrives on the heels of the load
// command; anything later is a real end.
const endSuppressWindow = 2 * time.Second

func NewState(cfg *Config, player PlayerLink, catalog CatalogClient, metrics Metrics, logger *zap.Logger) *State {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &State{
		cfg:     cfg,
		player:  player,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // queue shuffling does not need crypto randomness
		index:   -1,
		state:   StateStopped,
	}
}

// Shuffle fetches the scope's track set, permutes it honoring the configured
// shuffle cap (0 = unbounded), replaces the queue, and starts playback at
// index 0. Returns the resulting queue length.
func (s *State) Shuffle(ctx context.Context, scope ShuffleScope, name string) (int, error) {
	tracks, err := s.fetchShuffleSource(ctx, scope, name)
	if err != nil {
		return 0, err
	}
	if len(tracks) == 0 {
		return 0, ErrNoTracks
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rng.Shuffle(len(tracks), func(i, j int) {
		tracks[i], tracks[j] = tracks[j], tracks[i]
	})
	if limit := s.cfg.App.MaxShuffle; limit > 0 && len(tracks) > limit {
		tracks = tracks[:limit]
	}
	separateConsecutive(tracks)

	return len(tracks), s.replaceQueueLocked(ctx, tracks, true)
}

// PlayAlbum queues an album in disc/track order and starts playback.
func (s *State) PlayAlbum(ctx context.Context, name string) (string, int, error) {
	album, err := s.catalog.FindAlbum(ctx, name)
	if err != nil {
		return "", 0, err
	}
	if album == nil {
		return "", 0, fmt.Errorf("album %q: %w", name, ErrNoTracks)
	}
	tracks, err := s.catalog.AlbumSongs(ctx, album.ID)
	if err != nil {
		return "", 0, err
	}
	if len(tracks) == 0 {
		return "", 0, ErrNoTracks
	}
	sort.SliceStable(tracks, func(i, j int) bool {
		if tracks[i].Disc != tracks[j].Disc {
			return tracks[i].Disc < tracks[j].Disc
		}
		return tracks[i].TrackNo < tracks[j].TrackNo
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return album.Name, len(tracks), s.replaceQueueLocked(ctx, tracks, false)
}

func (s *State) fetchShuffleSource(ctx context.Context, scope ShuffleScope, name string) ([]Track, error) {
	switch scope {
	case ScopeLibrary:
		if s.cfg.App.MaxShuffle > 0 {
			return s.catalog.RandomSongs(ctx, s.cfg.App.MaxShuffle)
		}
		return s.catalog.AllSongs(ctx)
	case ScopeLiked:
		return s.catalog.StarredSongs(ctx)
	case ScopeArtist:
		artist, err := s.catalog.FindArtist(ctx, name)
		if err != nil {
			return nil, err
		}
		if artist == nil {
			return nil, fmt.Errorf("artist %q: %w", name, ErrNoTracks)
		}
		albumIDs, err := s.catalog.ArtistAlbumIDs(ctx, artist.ID)
		if err != nil {
			return nil, err
		}
		var tracks []Track
		for _, id := range albumIDs {
			songs, err := s.catalog.AlbumSongs(ctx, id)
			if err != nil {
				return nil, err
			}
			tracks = append(tracks, songs...)
		}
		return tracks, nil
	case ScopeAlbum:
		album, err := s.catalog.FindAlbum(ctx, name)
		if err != nil {
			return nil, err
		}
		if album == nil {
			return nil, fmt.Errorf("album %q: %w", name, ErrNoTracks)
		}
		return s.catalog.AlbumSongs(ctx, album.ID)
	case ScopePlaylist:
		list, err := s.catalog.FindPlaylist(ctx, name)
		if err != nil {
			return nil, err
		}
		if list == nil {
			return nil, fmt.Errorf("playlist %q: %w", name, ErrNoTracks)
		}
		return s.catalog.PlaylistSongs(ctx, list.ID)
	default:
		return nil, fmt.Errorf("unknown shuffle scope %d", scope)
	}
}

// Pause transitions Playing -> Paused.
func (s *State) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying {
		return ErrInvalidTransition
	}
	if err := s.player.Pause(ctx, true); err != nil {
		return err
	}
	s.setStateLocked(StatePaused)
	return nil
}

// Resume transitions Paused -> Playing.
func (s *State) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return ErrInvalidTransition
	}
	if err := s.player.Pause(ctx, false); err != nil {
		return err
	}
	s.setStateLocked(StatePlaying)
	return nil
}

// Stop clears the queue position without discarding the queue contents.
func (s *State) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrInvalidTransition
	}
	if err := s.player.Stop(ctx); err != nil {
		s.logger.Warn("player stop failed", zap.Error(err))
	}
	s.index = -1
	s.watch = nil
	s.setStateLocked(StateStopped)
	return nil
}

// Skip is the manual advance trigger.
func (s *State) Skip(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrInvalidTransition
	}
	if s.watch != nil {
		s.watch.Advanced = true
	}
	return s.advanceLocked(ctx)
}

// AutoAdvance is the advance-loop trigger. The generation check discards
// stale triggers that refer to a track the queue has since moved past, and
// the Advanced guard makes duplicate triggers within one track a no-op.
// Returns whether an advance was actually performed.
func (s *State) AutoAdvance(ctx context.Context, generation uint64, trigger string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watch == nil || s.watch.Generation != generation || s.watch.Advanced {
		return false, nil
	}
	s.watch.Advanced = true
	s.metrics.RecordAdvance(trigger)
	return true, s.advanceLocked(ctx)
}

// Previous moves back one track.
func (s *State) Previous(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrInvalidTransition
	}
	if s.index <= 0 {
		return ErrStartOfQueue
	}
	s.index--
	return s.playCurrentLocked(ctx)
}

// StartOver restarts the current track from position zero.
func (s *State) StartOver(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrInvalidTransition
	}
	if err := s.player.SeekAbsolute(ctx, 0); err != nil {
		return err
	}
	// Fresh watch: the old one would treat post-seek positions as stalled.
	if s.index >= 0 && s.index < len(s.queue) {
		s.generation++
		s.watch = &EndWatch{
			Generation: s.generation,
			TrackID:    s.queue[s.index].ID,
			LastUpdate: time.Now(),
		}
	}
	return nil
}

// CurrentTrack returns a copy of the track at the queue position, if any.
func (s *State) CurrentTrack() (*Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index < 0 || s.index >= len(s.queue) {
		return nil, false
	}
	t := s.queue[s.index]
	return &t, true
}

// Status returns a read-only snapshot with no side effects.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:    s.state,
		QueueLen: len(s.queue),
		Index:    s.index,
		Shuffled: s.shuffled,
	}
	if s.index >= 0 && s.index < len(s.queue) {
		t := s.queue[s.index]
		st.Track = &t
	}
	if s.watch != nil {
		st.Position = time.Duration(s.watch.LastPos * float64(time.Second))
	}
	return st
}

// ObservePosition feeds a player position update into the live EndWatch. The
// grace clock only resets when the position actually moved forward.
func (s *State) ObservePosition(pos float64) (PositionObservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watch == nil {
		return PositionObservation{}, false
	}
	s.suppressNextEnd = false
	if pos > s.watch.LastPos {
		s.watch.LastPos = pos
		s.watch.LastUpdate = time.Now()
	}
	return PositionObservation{
		Generation: s.watch.Generation,
		TrackID:    s.watch.TrackID,
		Playing:    s.state == StatePlaying,
	}, true
}

// ConsumeEndSuppression reports and clears the pending end-of-track
// suppression armed by a replacing load. A suppression older than
// endSuppressWindow has expired; the end is genuine and reported as such.
func (s *State) ConsumeEndSuppression() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suppressNextEnd {
		s.suppressNextEnd = false
		return time.Now().Before(s.suppressEndBy)
	}
	return false
}

// Watch returns a snapshot of the live EndWatch for the advance loop.
func (s *State) Watch() (EndWatchSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watch == nil {
		return EndWatchSnapshot{}, false
	}
	snap := EndWatchSnapshot{
		Generation: s.watch.Generation,
		TrackID:    s.watch.TrackID,
		LastPos:    s.watch.LastPos,
		LastUpdate: s.watch.LastUpdate,
		Advanced:   s.watch.Advanced,
		State:      s.state,
	}
	if s.index >= 0 && s.index < len(s.queue) {
		snap.Duration = s.queue[s.index].Duration
	}
	return snap, true
}

func (s *State) replaceQueueLocked(ctx context.Context, tracks []Track, shuffled bool) error {
	s.queue = tracks
	s.index = 0
	s.shuffled = shuffled
	s.metrics.SetQueueSize(len(tracks))
	return s.playCurrentLocked(ctx)
}

func (s *State) advanceLocked(ctx context.Context) error {
	if len(s.queue) == 0 || s.index < 0 {
		return ErrQueueEmpty
	}
	if s.index+1 >= len(s.queue) {
		s.index = -1
		s.watch = nil
		s.setStateLocked(StateStopped)
		if err := s.player.Stop(ctx); err != nil {
			s.logger.Warn("player stop at end of queue failed", zap.Error(err))
		}
		s.logger.Info("end of queue reached")
		return nil
	}
	s.index++
	return s.playCurrentLocked(ctx)
}

// playCurrentLocked loads and starts the track at the queue position,
// installing a fresh EndWatch under a new generation.
func (s *State) playCurrentLocked(ctx context.Context) error {
	track := s.queue[s.index]

	// Everything still buffered in the player link belongs to the stream
	// this load replaces. A stale position would pollute the new watch and
	// disarm the end suppression; a stale end would advance the new queue.
	for {
		if _, ok := s.player.PollEvent(); !ok {
			break
		}
	}

	streamURL, err := s.catalog.StreamURL(track.ID)
	if err != nil {
		s.watch = nil
		s.setStateLocked(StateStopped)
		return fmt.Errorf("resolve stream for %s: %w", track.ID, err)
	}

	// A load that replaces a live stream makes some players emit a
	// spurious end-of-track for the replaced file.
	s.suppressNextEnd = s.state != StateStopped
	s.suppressEndBy = time.Now().Add(endSuppressWindow)

	if err := s.player.Load(ctx, streamURL); err != nil {
		s.watch = nil
		s.setStateLocked(StateStopped)
		return err
	}
	if err := s.player.Pause(ctx, false); err != nil {
		s.logger.Warn("unpause after load failed", zap.Error(err))
	}

	s.generation++
	s.watch = &EndWatch{
		Generation: s.generation,
		TrackID:    track.ID,
		LastUpdate: time.Now(),
	}
	s.setStateLocked(StatePlaying)

	s.logger.Info("track started",
		zap.String("trackID", track.ID),
		zap.String("title", track.Title),
		zap.String("artist", track.Artist),
		zap.Int("index", s.index),
		zap.Int("queueLen", len(s.queue)))
	return nil
}

func (s *State) setStateLocked(state PlaybackState) {
	s.state = state
	s.metrics.SetPlaybackState(state)
}

// separateConsecutive breaks up adjacent duplicates with a single forward
// swap pass. Best effort: a duplicate pair survives when no safe swap
// position exists.
func separateConsecutive(tracks []Track) {
	for i := 1; i < len(tracks); i++ {
		if tracks[i].ID != tracks[i-1].ID {
			continue
		}
		dup := tracks[i].ID
		for j := i + 1; j < len(tracks); j++ {
			if tracks[j].ID == dup {
				continue
			}
			if i+1 < len(tracks) && j != i+1 && tracks[j].ID == tracks[i+1].ID {
				continue
			}
			if j-1 > i && tracks[j-1].ID == dup {
				continue
			}
			if j+1 < len(tracks) && tracks[j+1].ID == dup {
				continue
			}
			tracks[i], tracks[j] = tracks[j], tracks[i]
			break
		}
	}
}
