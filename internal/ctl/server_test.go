package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"navitone/internal/core"
)

// Mock implementations for testing

type mockPlayer struct {
	mu     sync.Mutex
	loads  []string
	pauses []bool
	volume int
}

func (m *mockPlayer) Load(_ context.Context, streamURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads = append(m.loads, streamURL)
	return nil
}

func (m *mockPlayer) Pause(_ context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses = append(m.pauses, paused)
	return nil
}

func (m *mockPlayer) SeekAbsolute(_ context.Context, _ float64) error { return nil }

func (m *mockPlayer) Stop(_ context.Context) error { return nil }

func (m *mockPlayer) AdjustVolume(_ context.Context, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume += delta
	if m.volume < 0 {
		m.volume = 0
	}
	if m.volume > 100 {
		m.volume = 100
	}
	return m.volume, nil
}

func (m *mockPlayer) PollEvent() (core.PlayerEvent, bool) { return core.PlayerEvent{}, false }

func (m *mockPlayer) Close() error { return nil }

func (m *mockPlayer) pauseCalls(paused bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pauses {
		if p == paused {
			n++
		}
	}
	return n
}

type mockCatalog struct {
	mu        sync.Mutex
	songs     []core.Track
	playlists map[string]*core.Item

	ratings   map[string]int
	starred   []string
	unstarred []string
	created   []string
	added     [][2]string
	deleted   []string
	calls     []string
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		playlists: map[string]*core.Item{},
		ratings:   map[string]int{},
	}
}

func (m *mockCatalog) StreamURL(trackID string) (string, error) {
	return "stream://" + trackID, nil
}

func (m *mockCatalog) NowPlaying(_ context.Context, _ string) error { return nil }

func (m *mockCatalog) Scrobble(_ context.Context, _ string) error { return nil }

func (m *mockCatalog) SetRating(_ context.Context, trackID string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[trackID] = rating
	return nil
}

func (m *mockCatalog) Star(_ context.Context, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starred = append(m.starred, trackID)
	return nil
}

func (m *mockCatalog) Unstar(_ context.Context, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unstarred = append(m.unstarred, trackID)
	return nil
}

func (m *mockCatalog) RandomSongs(_ context.Context, _ int) ([]core.Track, error) {
	return append([]core.Track(nil), m.songs...), nil
}

func (m *mockCatalog) AllSongs(_ context.Context) ([]core.Track, error) {
	return append([]core.Track(nil), m.songs...), nil
}

func (m *mockCatalog) StarredSongs(_ context.Context) ([]core.Track, error) {
	return append([]core.Track(nil), m.songs...), nil
}

func (m *mockCatalog) FindArtist(_ context.Context, _ string) (*core.Item, error) {
	return nil, nil
}

func (m *mockCatalog) FindAlbum(_ context.Context, _ string) (*core.Item, error) {
	return nil, nil
}

func (m *mockCatalog) FindPlaylist(_ context.Context, query string) (*core.Item, error) {
	return m.playlists[query], nil
}

func (m *mockCatalog) ArtistAlbumIDs(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (m *mockCatalog) AlbumSongs(_ context.Context, _ string) ([]core.Track, error) {
	return nil, nil
}

func (m *mockCatalog) PlaylistSongs(_ context.Context, _ string) ([]core.Track, error) {
	return nil, nil
}

func (m *mockCatalog) CreatePlaylistWithSong(_ context.Context, name, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, name+"/"+trackID)
	return nil
}

func (m *mockCatalog) AddSongToPlaylist(_ context.Context, playlistID, trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, [2]string{playlistID, trackID})
	return nil
}

func (m *mockCatalog) DeletePlaylist(_ context.Context, playlistID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, playlistID)
	return nil
}

func (m *mockCatalog) Call(_ context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint)
	out, _ := json.Marshal(map[string]any{"endpoint": endpoint, "params": params})
	return out, nil
}

func (m *mockCatalog) ratingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ratings)
}

type fixture struct {
	cfg     *core.Config
	state   *core.State
	player  *mockPlayer
	catalog *mockCatalog
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Socket.Path = filepath.Join(t.TempDir(), "ctl.sock")
	cfg.Socket.RequestTimeout = time.Second

	player := &mockPlayer{}
	catalog := newMockCatalog()
	catalog.songs = []core.Track{
		{ID: "t1", Title: "One", Artist: "A", Album: "X", Duration: 3 * time.Minute},
		{ID: "t2", Title: "Two", Artist: "A", Album: "X", Duration: 3 * time.Minute},
	}

	state := core.NewState(cfg, player, catalog, nil, zap.NewNop())
	handler := NewHandler(cfg, state, player, catalog, nil, zap.NewNop())
	return &fixture{cfg: cfg, state: state, player: player, catalog: catalog, handler: handler}
}

// startServer binds the fixture's socket and serves until the test ends.
func startServer(t *testing.T, f *fixture) {
	t.Helper()
	srv := NewServer(&f.cfg.Socket, f.handler, zap.NewNop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) send(t *testing.T, req Request) Response {
	t.Helper()
	resp, err := Send(f.cfg.Socket.Path, req, time.Second)
	if err != nil {
		t.Fatalf("Send(%s) failed: %v", req.Action, err)
	}
	return resp
}

func (f *fixture) startPlaying(t *testing.T) {
	t.Helper()
	if _, err := f.state.Shuffle(context.Background(), core.ScopeLibrary, ""); err != nil {
		t.Fatalf("Shuffle failed: %v", err)
	}
}

func TestPauseOverSocket(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)
	f.startPlaying(t)

	resp := f.send(t, Request{Action: "pause"})
	if !resp.Ok {
		t.Fatalf("pause refused: %s", resp.Message)
	}
	if got := f.state.Status().State; got != core.StatePaused {
		t.Errorf("expected paused, got %s", got)
	}
	if got := f.player.pauseCalls(true); got != 1 {
		t.Errorf("expected exactly one player pause, got %d", got)
	}
}

func TestRateOutOfRange(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)
	f.startPlaying(t)

	for _, rating := range []string{"0", "6", "-1", "banana", ""} {
		resp := f.send(t, Request{Action: "rate", Args: map[string]string{"rating": rating}})
		if resp.Ok {
			t.Errorf("rating %q accepted", rating)
		}
		if resp.Message != "bad_request" {
			t.Errorf("rating %q: expected bad_request, got %q", rating, resp.Message)
		}
	}
	if f.catalog.ratingCount() != 0 {
		t.Error("invalid rating reached the catalog")
	}
}

func TestRateValid(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)
	f.startPlaying(t)
	track, _ := f.state.CurrentTrack()

	resp := f.send(t, Request{Action: "rate", Args: map[string]string{"rating": "4"}})
	if !resp.Ok {
		t.Fatalf("rate refused: %s", resp.Message)
	}
	f.catalog.mu.Lock()
	got := f.catalog.ratings[track.ID]
	f.catalog.mu.Unlock()
	if got != 4 {
		t.Errorf("expected rating 4 for %s, got %d", track.ID, got)
	}
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)

	conn, err := net.Dial("unix", f.cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("{this is not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Ok || resp.Message != "bad_request" {
		t.Errorf("expected bad_request, got %+v", resp)
	}
	if got := f.state.Status().State; got != core.StateStopped {
		t.Errorf("malformed request changed state to %s", got)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)

	conn, err := net.Dial("unix", f.cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte(`{"action":"status","bogus":42,"extra":{"x":1}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !resp.Ok {
		t.Errorf("status with unknown fields refused: %s", resp.Message)
	}
}

func TestRequestTimeoutClosesIdleConnection(t *testing.T) {
	f := newFixture(t)
	f.cfg.Socket.RequestTimeout = 50 * time.Millisecond
	startServer(t, f)

	conn, err := net.Dial("unix", f.cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// Send nothing; the daemon must give up on us without state effect.
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the daemon to close the idle connection")
	}
	if got := f.state.Status().State; got != core.StateStopped {
		t.Errorf("idle connection changed state to %s", got)
	}
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)

	resp := f.send(t, Request{Action: "selfdestruct"})
	if resp.Ok || resp.Message != "unknown_action" {
		t.Errorf("expected unknown_action, got %+v", resp)
	}
}

func TestStatusPayload(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)
	f.startPlaying(t)

	resp := f.send(t, Request{Action: "status"})
	if !resp.Ok {
		t.Fatalf("status refused: %s", resp.Message)
	}
	if resp.Data["state"] != "playing" {
		t.Errorf("expected playing, got %v", resp.Data["state"])
	}
	// JSON numbers decode as float64.
	if resp.Data["queue_len"] != float64(2) {
		t.Errorf("expected queue_len 2, got %v", resp.Data["queue_len"])
	}
	if _, ok := resp.Data["track"].(map[string]any); !ok {
		t.Errorf("expected track payload, got %v", resp.Data["track"])
	}
}

func TestConcurrentConnections(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)
	f.startPlaying(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := Send(f.cfg.Socket.Path, Request{Action: "status"}, time.Second)
			if err != nil {
				errs <- err
				return
			}
			if !resp.Ok {
				errs <- fmt.Errorf("status refused: %s", resp.Message)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLikeSongRequiresCurrentTrack(t *testing.T) {
	f := newFixture(t)
	startServer(t, f)

	resp := f.send(t, Request{Action: "likesong"})
	if resp.Ok || resp.Message != "no_current_track" {
		t.Errorf("expected no_current_track, got %+v", resp)
	}
}

func TestAddSongToPlaylistCreatesWhenMissing(t *testing.T) {
	f := newFixture(t)
	f.startPlaying(t)
	track, _ := f.state.CurrentTrack()

	resp := f.handler.Handle(context.Background(), Request{
		Action: "addsongtoplaylist",
		Args:   map[string]string{"name": "road trip"},
	})
	if !resp.Ok {
		t.Fatalf("addsongtoplaylist refused: %s", resp.Message)
	}
	f.catalog.mu.Lock()
	defer f.catalog.mu.Unlock()
	if len(f.catalog.created) != 1 || f.catalog.created[0] != "road trip/"+track.ID {
		t.Errorf("expected playlist created with current track, got %v", f.catalog.created)
	}
	if len(f.catalog.added) != 0 {
		t.Errorf("unexpected update call %v", f.catalog.added)
	}
}

func TestAddSongToPlaylistAppendsWhenFound(t *testing.T) {
	f := newFixture(t)
	f.catalog.playlists["road trip"] = &core.Item{ID: "pl9", Name: "Road Trip"}
	f.startPlaying(t)
	track, _ := f.state.CurrentTrack()

	resp := f.handler.Handle(context.Background(), Request{
		Action: "addsongtoplaylist",
		Args:   map[string]string{"name": "road trip"},
	})
	if !resp.Ok {
		t.Fatalf("addsongtoplaylist refused: %s", resp.Message)
	}
	f.catalog.mu.Lock()
	defer f.catalog.mu.Unlock()
	if len(f.catalog.added) != 1 || f.catalog.added[0] != [2]string{"pl9", track.ID} {
		t.Errorf("expected append to pl9, got %v", f.catalog.added)
	}
}

func TestDeletePlaylistNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.handler.Handle(context.Background(), Request{
		Action: "deleteplaylist",
		Args:   map[string]string{"name": "nope"},
	})
	if resp.Ok || resp.Message != "playlist_not_found" {
		t.Errorf("expected playlist_not_found, got %+v", resp)
	}
}

func TestVolumeSteps(t *testing.T) {
	f := newFixture(t)
	f.player.volume = 50

	resp := f.handler.Handle(context.Background(), Request{Action: "volumeup"})
	if !resp.Ok {
		t.Fatalf("volumeup refused: %s", resp.Message)
	}
	if resp.Data["volume"] != 50+f.cfg.App.VolumeStep {
		t.Errorf("expected volume %d, got %v", 50+f.cfg.App.VolumeStep, resp.Data["volume"])
	}

	resp = f.handler.Handle(context.Background(), Request{Action: "volumedown"})
	if !resp.Ok {
		t.Fatalf("volumedown refused: %s", resp.Message)
	}
	if resp.Data["volume"] != 50 {
		t.Errorf("expected volume 50, got %v", resp.Data["volume"])
	}
}

func TestAPIPassthroughBypassesState(t *testing.T) {
	f := newFixture(t)

	resp := f.handler.Handle(context.Background(), Request{
		Action: "api",
		Args:   map[string]string{"endpoint": "getGenres", "musicFolderId": "2"},
	})
	if !resp.Ok {
		t.Fatalf("api refused: %s", resp.Message)
	}
	f.catalog.mu.Lock()
	calls := append([]string(nil), f.catalog.calls...)
	f.catalog.mu.Unlock()
	if len(calls) != 1 || calls[0] != "getGenres" {
		t.Errorf("expected one getGenres call, got %v", calls)
	}
	if got := f.state.Status().State; got != core.StateStopped {
		t.Errorf("api passthrough changed state to %s", got)
	}
}
