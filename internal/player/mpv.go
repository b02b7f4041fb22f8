package player

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"navitone/internal/core"
)

const (
	mpvDialTimeout  = time.Second
	mpvWriteTimeout = 2 * time.Second
	mpvReplyTimeout = 5 * time.Second
)

// MPV controls a dedicated mpv process over its JSON IPC socket. Commands
// travel on one connection with request_id correlation; a second connection
// streams property-change and end-file events into a bounded channel.
type MPV struct {
	cfg    *core.PlayerConfig
	logger *zap.Logger
	proc   *exec.Cmd

	mu      sync.Mutex
	cmdConn net.Conn
	cmdRd   *bufio.Reader
	nextID  uint64

	evMu   sync.Mutex
	evConn net.Conn

	events chan core.PlayerEvent
	done   chan struct{}
	once   sync.Once
}

type mpvMessage struct {
	RequestID uint64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
}

// SpawnMPV starts mpv with its IPC server on cfg.MPVSocket and waits for the
// socket to appear before returning.
func SpawnMPV(cfg *core.PlayerConfig, logger *zap.Logger) (*MPV, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.MPVSocket), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// A socket left behind by a crashed daemon would block the new instance.
	_ = os.Remove(cfg.MPVSocket)

	proc := exec.Command(cfg.MPVBin,
		"--no-video",
		"--audio-display=no",
		"--idle=yes",
		"--no-terminal",
		"--msg-level=all=error",
		"--input-ipc-server="+cfg.MPVSocket,
	)
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.MPVBin, err)
	}

	if err := waitForSocket(cfg.MPVSocket, 5*time.Second); err != nil {
		_ = proc.Process.Kill()
		_, _ = proc.Process.Wait()
		return nil, err
	}

	m := &MPV{
		cfg:    cfg,
		logger: logger,
		proc:   proc,
		events: make(chan core.PlayerEvent, 128),
		done:   make(chan struct{}),
	}
	go m.eventLoop()
	return m, nil
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", path, mpvDialTimeout); err == nil {
			return conn.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("mpv ipc socket %s did not appear within %s", path, timeout)
}

func (m *MPV) Load(ctx context.Context, url string) error {
	reply, err := m.command(ctx, "loadfile", url, "replace")
	if err != nil {
		return err
	}
	if reply.Error != "success" {
		return fmt.Errorf("%w: loadfile: %s", core.ErrPlayerRejected, reply.Error)
	}
	return nil
}

func (m *MPV) Pause(ctx context.Context, paused bool) error {
	return m.simpleCommand(ctx, "set_property", "pause", paused)
}

func (m *MPV) SeekAbsolute(ctx context.Context, seconds float64) error {
	return m.simpleCommand(ctx, "seek", seconds, "absolute")
}

func (m *MPV) Stop(ctx context.Context) error {
	return m.simpleCommand(ctx, "stop")
}

// AdjustVolume shifts the player volume by delta percent and reports the
// resulting level, clamped to 0..100.
func (m *MPV) AdjustVolume(ctx context.Context, delta int) (int, error) {
	reply, err := m.command(ctx, "get_property", "volume")
	if err != nil {
		return 0, err
	}
	if reply.Error != "success" {
		return 0, fmt.Errorf("%w: get_property volume: %s", core.ErrPlayerRejected, reply.Error)
	}
	var current float64
	if err := json.Unmarshal(reply.Data, &current); err != nil {
		return 0, fmt.Errorf("decode volume: %w", err)
	}
	next := int(current) + delta
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if err := m.simpleCommand(ctx, "set_property", "volume", float64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *MPV) PollEvent() (core.PlayerEvent, bool) {
	select {
	case ev := <-m.events:
		return ev, true
	default:
		return core.PlayerEvent{}, false
	}
}

func (m *MPV) Close() error {
	m.once.Do(func() {
		close(m.done)
		ctx, cancel := context.WithTimeout(context.Background(), mpvWriteTimeout)
		_ = m.simpleCommand(ctx, "quit")
		cancel()

		m.mu.Lock()
		m.dropConnLocked()
		m.mu.Unlock()

		m.evMu.Lock()
		if m.evConn != nil {
			_ = m.evConn.Close()
			m.evConn = nil
		}
		m.evMu.Unlock()

		if m.proc != nil && m.proc.Process != nil {
			done := make(chan struct{})
			go func() {
				_ = m.proc.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				_ = m.proc.Process.Kill()
				<-done
			}
		}
	})
	return nil
}

func (m *MPV) simpleCommand(ctx context.Context, args ...any) error {
	reply, err := m.command(ctx, args...)
	if err != nil {
		return err
	}
	if reply.Error != "success" {
		return fmt.Errorf("%w: %v: %s", core.ErrPlayerRejected, args[0], reply.Error)
	}
	return nil
}

// command sends one IPC command and waits for the correlated reply,
// skipping interleaved event lines mpv may emit on the same connection.
func (m *MPV) command(ctx context.Context, args ...any) (*mpvMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnLocked(); err != nil {
		return nil, err
	}
	m.nextID++
	id := m.nextID

	payload, err := json.Marshal(map[string]any{
		"command":    args,
		"request_id": id,
	})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(mpvReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = m.cmdConn.SetDeadline(deadline)

	if _, err := m.cmdConn.Write(payload); err != nil {
		m.dropConnLocked()
		return nil, fmt.Errorf("%w: write: %v", core.ErrPlayerUnreachable, err)
	}
	for {
		line, err := m.cmdRd.ReadBytes('\n')
		if err != nil {
			m.dropConnLocked()
			return nil, fmt.Errorf("%w: read: %v", core.ErrPlayerUnreachable, err)
		}
		var msg mpvMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Event != "" || msg.RequestID != id {
			continue
		}
		return &msg, nil
	}
}

func (m *MPV) ensureConnLocked() error {
	if m.cmdConn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", m.cfg.MPVSocket, mpvDialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrPlayerUnreachable, err)
	}
	m.cmdConn = conn
	m.cmdRd = bufio.NewReader(conn)
	return nil
}

func (m *MPV) dropConnLocked() {
	if m.cmdConn != nil {
		_ = m.cmdConn.Close()
		m.cmdConn = nil
		m.cmdRd = nil
	}
}

// eventLoop keeps a dedicated event connection alive for the lifetime of the
// player, reconnecting after drops.
func (m *MPV) eventLoop() {
	for {
		select {
		case <-m.done:
			return
		default:
		}
		conn, err := net.DialTimeout("unix", m.cfg.MPVSocket, mpvDialTimeout)
		if err != nil {
			m.logger.Debug("event connection failed", zap.Error(err))
			if !m.sleepOrDone(time.Second) {
				return
			}
			continue
		}
		if _, err := conn.Write([]byte(`{"command":["observe_property",1,"time-pos"]}` + "\n")); err != nil {
			_ = conn.Close()
			if !m.sleepOrDone(time.Second) {
				return
			}
			continue
		}

		m.evMu.Lock()
		m.evConn = conn
		m.evMu.Unlock()

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), 256*1024)
		for scanner.Scan() {
			m.dispatch(scanner.Bytes())
		}

		m.evMu.Lock()
		if m.evConn == conn {
			m.evConn = nil
		}
		m.evMu.Unlock()
		_ = conn.Close()

		select {
		case <-m.done:
			return
		default:
			pushEvent(m.events, core.PlayerEvent{Kind: core.EventPlayerError, Reason: "event connection lost"})
		}
		if !m.sleepOrDone(time.Second) {
			return
		}
	}
}

func (m *MPV) sleepOrDone(d time.Duration) bool {
	select {
	case <-m.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (m *MPV) dispatch(line []byte) {
	var msg mpvMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	switch msg.Event {
	case "property-change":
		if msg.Name != "time-pos" {
			return
		}
		// time-pos reports null while no file is loaded.
		if len(msg.Data) == 0 || string(msg.Data) == "null" {
			return
		}
		var pos float64
		if err := json.Unmarshal(msg.Data, &pos); err != nil {
			return
		}
		pushEvent(m.events, core.PlayerEvent{Kind: core.EventPositionUpdate, Position: pos})
	case "end-file":
		pushEvent(m.events, core.PlayerEvent{Kind: core.EventEndOfTrack, Reason: msg.Reason})
	}
}
