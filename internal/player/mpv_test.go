package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"navitone/internal/core"
)

// fakeIPC scripts the mpv side of the JSON IPC socket. Commands are answered
// per the configured results; event connections can be fed events directly.
type fakeIPC struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	commands [][]any
	results  map[string]string // command name -> error field, default "success"
	volume   float64
	eventsC  chan net.Conn
}

func newFakeIPC(t *testing.T) (*fakeIPC, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpv.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeIPC{
		t:       t,
		ln:      ln,
		results: map[string]string{},
		volume:  50,
		eventsC: make(chan net.Conn, 4),
	}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f, path
}

func (f *fakeIPC) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeIPC) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command   []any  `json:"command"`
			RequestID uint64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.Command) == 0 {
			continue
		}
		name, _ := req.Command[0].(string)

		// The event connection announces itself with observe_property and
		// then only listens.
		if name == "observe_property" {
			f.eventsC <- conn
			reply := map[string]any{"request_id": req.RequestID, "error": "success"}
			f.write(conn, reply)
			continue
		}

		f.mu.Lock()
		f.commands = append(f.commands, req.Command)
		result, ok := f.results[name]
		if !ok {
			result = "success"
		}
		volume := f.volume
		f.mu.Unlock()

		reply := map[string]any{"request_id": req.RequestID, "error": result}
		if name == "get_property" && len(req.Command) > 1 && req.Command[1] == "volume" {
			reply["data"] = volume
		}
		f.write(conn, reply)
	}
}

func (f *fakeIPC) write(conn net.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal reply: %v", err)
		return
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		f.t.Logf("write reply: %v", err)
	}
}

// eventConn returns the connection the player's event loop opened.
func (f *fakeIPC) eventConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-f.eventsC:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("event connection never arrived")
		return nil
	}
}

func (f *fakeIPC) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.commands))
	for _, cmd := range f.commands {
		if name, ok := cmd[0].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func newTestMPV(t *testing.T, socket string) *MPV {
	t.Helper()
	m := &MPV{
		cfg:    &core.PlayerConfig{MPVSocket: socket, PollInterval: 50 * time.Millisecond},
		logger: zap.NewNop(),
		events: make(chan core.PlayerEvent, 128),
		done:   make(chan struct{}),
	}
	go m.eventLoop()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMPVLoadAndPause(t *testing.T) {
	fake, socket := newFakeIPC(t)
	m := newTestMPV(t, socket)
	ctx := context.Background()

	if err := m.Load(ctx, "stream://t1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := m.Pause(ctx, true); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	names := fake.commandNames()
	if len(names) != 2 || names[0] != "loadfile" || names[1] != "set_property" {
		t.Errorf("unexpected commands %v", names)
	}
}

func TestMPVLoadRejected(t *testing.T) {
	fake, socket := newFakeIPC(t)
	fake.results["loadfile"] = "error running command"
	m := newTestMPV(t, socket)

	err := m.Load(context.Background(), "stream://bad")
	if !errors.Is(err, core.ErrPlayerRejected) {
		t.Errorf("expected ErrPlayerRejected, got %v", err)
	}
}

func TestMPVAdjustVolumeClamps(t *testing.T) {
	fake, socket := newFakeIPC(t)
	fake.volume = 98
	m := newTestMPV(t, socket)

	level, err := m.AdjustVolume(context.Background(), 5)
	if err != nil {
		t.Fatalf("AdjustVolume failed: %v", err)
	}
	if level != 100 {
		t.Errorf("expected clamp to 100, got %d", level)
	}

	fake.mu.Lock()
	fake.volume = 3
	fake.mu.Unlock()
	level, err = m.AdjustVolume(context.Background(), -5)
	if err != nil {
		t.Fatalf("AdjustVolume failed: %v", err)
	}
	if level != 0 {
		t.Errorf("expected clamp to 0, got %d", level)
	}
}

func TestMPVUnreachable(t *testing.T) {
	m := &MPV{
		cfg:    &core.PlayerConfig{MPVSocket: filepath.Join(t.TempDir(), "absent.sock")},
		logger: zap.NewNop(),
		events: make(chan core.PlayerEvent, 8),
		done:   make(chan struct{}),
	}
	t.Cleanup(func() { close(m.done) })

	err := m.Stop(context.Background())
	if !errors.Is(err, core.ErrPlayerUnreachable) {
		t.Errorf("expected ErrPlayerUnreachable, got %v", err)
	}
}

func TestMPVEventDispatch(t *testing.T) {
	fake, socket := newFakeIPC(t)
	m := newTestMPV(t, socket)
	conn := fake.eventConn(t)

	fake.write(conn, map[string]any{"event": "property-change", "id": 1, "name": "time-pos", "data": 42.5})
	fake.write(conn, map[string]any{"event": "end-file", "reason": "eof"})

	var events []core.PlayerEvent
	deadline := time.Now().Add(2 * time.Second)
	for len(events) < 2 && time.Now().Before(deadline) {
		if ev, ok := m.PollEvent(); ok {
			events = append(events, ev)
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != core.EventPositionUpdate || events[0].Position != 42.5 {
		t.Errorf("unexpected position event %+v", events[0])
	}
	if events[1].Kind != core.EventEndOfTrack || events[1].Reason != "eof" {
		t.Errorf("unexpected end event %+v", events[1])
	}
}

func TestMPVEventOverflowDropsOldest(t *testing.T) {
	events := make(chan core.PlayerEvent, 2)
	pushEvent(events, core.PlayerEvent{Kind: core.EventPositionUpdate, Position: 1})
	pushEvent(events, core.PlayerEvent{Kind: core.EventPositionUpdate, Position: 2})
	pushEvent(events, core.PlayerEvent{Kind: core.EventEndOfTrack, Reason: "eof"})

	first := <-events
	second := <-events
	if first.Position != 2 {
		t.Errorf("expected oldest event dropped, got position %f", first.Position)
	}
	if second.Kind != core.EventEndOfTrack {
		t.Errorf("expected the end event kept, got %+v", second)
	}
}
