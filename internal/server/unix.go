package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"thk/internal/control"
	"thk/internal/domain"
)

const (
	// MaxLineBytes bounds one JSON request line. A maximal command fully
	// escaped still fits.
	MaxLineBytes = 64 << 10
	idleTimeout  = 2 * time.Minute
)

// UnixConfig configures the socket transport.
type UnixConfig struct {
	Path      string
	Mode      os.FileMode // default 0666
	AdminUIDs []uint32    // uid 0 is always admin
	Surface   *control.Surface
	Logger    *slog.Logger
}

// UnixServer speaks newline-delimited JSON on a unix stream socket. The
// caller's identity comes from the kernel (SO_PEERCRED), never from the
// request.
type UnixServer struct {
	path    string
	mode    os.FileMode
	admins  map[uint32]bool
	surface *control.Surface
	logger  *slog.Logger

	peerCred func(net.Conn) (uint32, error)

	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewUnixServer(cfg UnixConfig) *UnixServer {
	if cfg.Mode == 0 {
		cfg.Mode = 0o666
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	admins := map[uint32]bool{0: true}
	for _, uid := range cfg.AdminUIDs {
		admins[uid] = true
	}
	return &UnixServer{
		path:     cfg.Path,
		mode:     cfg.Mode,
		admins:   admins,
		surface:  cfg.Surface,
		logger:   cfg.Logger.With("component", "unix"),
		peerCred: peerUID,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen creates the socket, replacing a stale one left by a previous run.
func (s *UnixServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if fi, err := os.Lstat(s.path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%s exists and is not a socket", s.path)
		}
		if c, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
			c.Close()
			return fmt.Errorf("%s is in use by another daemon", s.path)
		}
		os.Remove(s.path)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for open
// connections to finish their current request.
func (s *UnixServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("unix control socket started", "path", s.path, "mode", fmt.Sprintf("%04o", s.mode))

	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				os.Remove(s.path)
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *UnixServer) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *UnixServer) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.track(conn, true)
	defer s.track(conn, false)

	uid, err := s.peerCred(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without peer credentials", "err", err)
		return
	}
	caller := domain.Caller{Identity: uid, Admin: s.admins[uid]}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineBytes)
	enc := json.NewEncoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		// checked after arming the deadline so shutdown cannot be missed
		if ctx.Err() != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); errors.Is(err, bufio.ErrTooLong) {
				enc.Encode(control.Reply{Error: &control.Error{
					Code:    domain.CodeInvalidInput,
					Message: fmt.Sprintf("request line exceeds %d bytes", MaxLineBytes),
				}})
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req control.Request
		var rep control.Reply
		if err := json.Unmarshal(line, &req); err != nil {
			rep = control.Reply{Error: &control.Error{Code: domain.CodeInvalidInput, Message: "malformed request: " + err.Error()}}
		} else {
			rep = s.surface.Dispatch(ctx, caller, req)
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := enc.Encode(rep); err != nil {
			s.logger.Debug("write reply failed", "uid", uid, "err", err)
			return
		}
	}
}
