package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"navitone/internal/core"
)

// Server accepts control connections on a unix socket. Each connection
// carries exactly one newline-delimited JSON request and one response.
type Server struct {
	cfg     *core.SocketConfig
	handler *Handler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg *core.SocketConfig, handler *Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Listen binds the control socket, replacing a stale file from a previous
// run. The socket is owner-only; the filesystem is the access control.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	if err := os.Chmod(s.cfg.Path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Run serves connections until ctx is cancelled, then waits for in-flight
// requests to finish. Listen must have been called first.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("control server not listening")
	}
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	s.logger.Info("control socket listening", zap.String("path", s.cfg.Path))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			_ = os.Remove(s.cfg.Path)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.RequestTimeout))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		// Idle or half-open client; nothing to answer.
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil || req.Action == "" {
		s.reply(conn, failResponse("bad_request"))
		return
	}
	s.reply(conn, s.handler.Handle(ctx, req))
}

func (s *Server) reply(conn net.Conn, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}
