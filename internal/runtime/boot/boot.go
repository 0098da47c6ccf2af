// Package boot lets a second launch of liveloop hand its files to the
// process that is already running. The running process listens on a unix
// socket; a new launch that finds it alive forwards a Request and exits.
package boot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	idspkg "github.com/drblury/liveloop/internal/runtime/ids"
	loggingpkg "github.com/drblury/liveloop/internal/runtime/logging"
)

const (
	ActionOpen = "open"
	ActionRun  = "run"
)

const (
	dialTimeout = 500 * time.Millisecond
	ioTimeout   = 5 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("boot: another instance is already running")
	ErrUnknownAction  = errors.New("boot: unknown action")
	ErrPathRequired   = errors.New("boot: path is required")
	ErrRemote         = errors.New("boot: request failed")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("boot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Request asks the running process to open (and optionally run) a file.
type Request struct {
	ID     string `cbor:"1,keyasint"`
	Action string `cbor:"2,keyasint"`
	Path   string `cbor:"3,keyasint"`
}

// Validate checks the action and path.
func (r Request) Validate() error {
	if r.Action != ActionOpen && r.Action != ActionRun {
		return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
	if r.Path == "" {
		return ErrPathRequired
	}
	return nil
}

// Response answers a Request. Instance is the id the file was registered
// under; Error is empty on success.
type Response struct {
	ID       string `cbor:"1,keyasint"`
	Instance int    `cbor:"2,keyasint"`
	Error    string `cbor:"3,keyasint,omitempty"`
}

// Handler serves one forwarded request and returns the instance id.
type Handler func(ctx context.Context, req Request) (int, error)

// Server accepts forwarded requests on a unix socket.
type Server struct {
	path   string
	ln     net.Listener
	logger loggingpkg.ServiceLogger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Listen binds the socket at path. If another live process answers on it,
// ErrAlreadyRunning is returned; a stale socket file is removed and reused.
func Listen(path string, logger loggingpkg.ServiceLogger) (*Server, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		if alive(path) {
			return nil, ErrAlreadyRunning
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("boot: remove stale socket: %w", rmErr)
		}
		logger.Debug("Removed stale boot socket", loggingpkg.LogFields{"socket": path})
		if ln, err = net.Listen("unix", path); err != nil {
			return nil, fmt.Errorf("boot: listen: %w", err)
		}
	}
	return &Server{path: path, ln: ln, logger: logger.With(loggingpkg.LogFields{"socket": path})}, nil
}

func alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled or the server is closed.
// Each connection carries one request.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("boot: handler is required")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("boot: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, h)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, h Handler) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	var req Request
	if err := cbor.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Error("Failed to decode boot request", err, nil)
		return
	}

	resp := Response{ID: req.ID, Instance: -1}
	if err := req.Validate(); err != nil {
		resp.Error = err.Error()
	} else if id, err := h(ctx, req); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Instance = id
	}

	fields := loggingpkg.LogFields{"request_id": req.ID, "action": req.Action, "path": req.Path}
	if resp.Error != "" {
		s.logger.Info("Boot request rejected", fields)
	} else {
		fields["instance"] = resp.Instance
		s.logger.Info("Boot request served", fields)
	}

	if err := encMode.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error("Failed to write boot response", err, fields)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ln.Close()
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Forward sends req to the process listening on path and waits for its
// answer. A request without ID gets a fresh one.
func Forward(ctx context.Context, path string, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	if req.ID == "" {
		req.ID = idspkg.CreateULID()
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("boot: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := encMode.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("boot: send request: %w", err)
	}
	var resp Response
	if err := cbor.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("boot: read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp, nil
}
