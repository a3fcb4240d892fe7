package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/gadget78/sashimono/common/trace"
	"github.com/gadget78/sashimono/internal/sashimono/config"
	"github.com/gadget78/sashimono/internal/sashimono/protocol"
)

// pollInterval is both the accept loop's poll period and the per-session
// read poll period (spec.md §4.7: "accept (with a 10 ms poll)").
const pollInterval = 10 * time.Millisecond

// emptyReadLimit closes a session's data socket after this many consecutive
// empty reads (spec.md §4.7).
const emptyReadLimit = 5

// writeTimeout bounds how long a response write may block a client that
// stops reading; the server is single-threaded so a stuck client must not
// wedge the whole daemon.
const writeTimeout = 5 * time.Second

// Server is the admin socket's single-threaded accept loop (spec.md §4.7,
// §5's scheduling model: one dedicated worker owns the loop, request
// dispatch, and — transitively, through Dispatcher — catalog mutation and
// host-command orchestration). It is not meant to be driven from more than
// one goroutine at a time.
type Server struct {
	cfg        config.SocketConfig
	dispatcher *Dispatcher

	listener *net.UnixListener
	shutdown chan struct{}
	done     chan struct{}
}

// New wires a Server to the given socket configuration and dispatcher.
func New(cfg config.SocketConfig, dispatcher *Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Serve binds the admin socket and runs the accept loop until Stop is
// called. It blocks until shutdown completes, at which point the socket
// file has been unlinked (spec.md §4.7).
func (s *Server) Serve() error {
	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		close(s.done)
		return fmt.Errorf("server: remove stale socket %q: %w", s.cfg.Path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.cfg.Path)
	if err != nil {
		close(s.done)
		return fmt.Errorf("server: resolve socket address %q: %w", s.cfg.Path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		close(s.done)
		return fmt.Errorf("server: listen on %q: %w", s.cfg.Path, err)
	}
	if err := applySocketPerms(s.cfg); err != nil {
		ln.Close()
		os.Remove(s.cfg.Path)
		close(s.done)
		return err
	}
	s.listener = ln

	defer func() {
		ln.Close()
		if rerr := os.Remove(s.cfg.Path); rerr != nil && !os.IsNotExist(rerr) {
			slog.Error("failed to unlink admin socket on shutdown", "path", s.cfg.Path, "err", rerr)
		}
		close(s.done)
	}()

	// net.ListenUnix has no public knob for the listen(2) backlog; Backlog is
	// surfaced here for operators and parity with spec.md §4.7, not enforced.
	slog.Info("admin socket listening", "path", s.cfg.Path, "backlog", s.cfg.Backlog)

	for {
		select {
		case <-s.shutdown:
			return nil
		default:
		}

		s.listener.SetDeadline(time.Now().Add(pollInterval))
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			slog.Error("accept failed", "err", err)
			continue
		}

		s.handleSession(conn)
	}
}

// Stop signals the accept loop to drain its current session (if any) and
// exit, then blocks until it has (spec.md §4.7: "Shutdown drains the current
// session, joins the handler, and removes the socket file").
func (s *Server) Stop() {
	close(s.shutdown)
	<-s.done
}

// handleSession runs one accepted connection's one-shot read/handle/write/
// close cycle. A read that times out without any bytes having arrived is an
// empty read, not an error (spec.md §4.7, §7); after emptyReadLimit
// consecutive empty reads the session gives up and closes.
func (s *Server) handleSession(conn *net.UnixConn) {
	defer conn.Close()

	id := trace.GenerateID()
	ctx := trace.WithTraceID(context.Background(), id)

	empties := 0
	for empties < emptyReadLimit {
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if isTimeout(err) {
				empties++
				continue
			}
			return
		}

		resp := s.dispatcher.Dispatch(ctx, payload)

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if werr := protocol.WriteFrame(conn, marshalOrErrorTag(resp)); werr != nil {
			slog.Error("write response failed", "trace", id, "err", werr)
		}
		return
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// applySocketPerms sets the admin socket's mode and group ownership
// (spec.md §4.7: group sashiadmin, mode 0660 by default).
func applySocketPerms(cfg config.SocketConfig) error {
	if err := os.Chmod(cfg.Path, os.FileMode(cfg.Mode)); err != nil {
		return fmt.Errorf("server: chmod socket %q: %w", cfg.Path, err)
	}
	if cfg.OwnerGroup == "" {
		return nil
	}
	grp, err := user.LookupGroup(cfg.OwnerGroup)
	if err != nil {
		return fmt.Errorf("server: lookup group %q: %w", cfg.OwnerGroup, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("server: parse gid for group %q: %w", cfg.OwnerGroup, err)
	}
	if err := os.Chown(cfg.Path, -1, gid); err != nil {
		return fmt.Errorf("server: chown socket %q to group %q: %w", cfg.Path, cfg.OwnerGroup, err)
	}
	return nil
}
