package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtford90/procsi/pkg/interceptor"
	"github.com/mtford90/procsi/pkg/store"
)

// Replayer re-executes stored requests. Implemented by the proxy.
type Replayer interface {
	Replay(ctx context.Context, id, initiator string) (string, error)
	Port() int
}

// Deps wires the server to the rest of the daemon.
type Deps struct {
	Store    *store.Store
	Runtime  *interceptor.Runtime
	Replayer Replayer
	// Shutdown asks the supervisor for an orderly stop.
	Shutdown func()
	Version  string
	Logger   *zap.Logger
}

// Server serves control RPCs to concurrent local clients.
type Server struct {
	deps      Deps
	log       *zap.Logger
	startTime time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// StatusInfo is the payload of the status method.
type StatusInfo struct {
	Running       bool   `json:"running"`
	PID           int    `json:"pid"`
	Version       string `json:"version,omitempty"`
	ProxyPort     int    `json:"proxyPort"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Requests      int    `json:"requests"`
	Sessions      int    `json:"sessions"`
	Interceptors  int    `json:"interceptors"`
}

// NewServer creates a control server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:      deps,
		log:       logger,
		startTime: time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start listens on the unix socket at path with owner-only permissions
// and serves clients until Close.
func (s *Server) Start(path string) error {
	// Remove a stale socket from a previous run.
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict control socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop(listener)
	return nil
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// serveConn runs the request/response loop for one client. Malformed
// requests and method errors are answered on the same connection, which
// stays open. A framing error (an empty or oversized frame) is answered
// once and the connection is then closed.
func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
				// Framing is broken; answer once and give up on the
				// stream.
				writeFrame(conn, response{Error: err.Error()})
			}
			return
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			if err := writeFrame(conn, response{Error: "malformed request: " + err.Error()}); err != nil {
				return
			}
			continue
		}

		result, err := s.dispatch(conn, &req)
		resp := response{}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = result
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, req *request) (any, error) {
	switch req.Method {
	case "ping":
		return "pong", nil
	case "status":
		return s.status()
	case "register_session":
		return s.registerSession(req.Params)
	case "list_sessions":
		return s.deps.Store.ListSessions()
	case "list_requests":
		return s.listRequests(req.Params)
	case "list_requests_summary":
		return s.listSummaries(req.Params)
	case "count_requests":
		return s.countRequests(req.Params)
	case "get_request":
		return s.getRequest(req.Params)
	case "search_bodies":
		return s.searchBodies(req.Params)
	case "query_json_bodies":
		return s.queryJSONBodies(req.Params)
	case "clear_requests":
		return s.clearRequests()
	case "save_request":
		return s.setSaved(req.Params, true)
	case "unsave_request":
		return s.setSaved(req.Params, false)
	case "delete_request":
		return s.deleteRequest(req.Params)
	case "replay_request":
		return s.replayRequest(conn, req.Params)
	case "list_interceptors":
		return s.deps.Runtime.List(), nil
	case "reload_interceptors":
		if err := s.deps.Runtime.Reload(); err != nil {
			return nil, err
		}
		return s.deps.Runtime.List(), nil
	case "get_interceptor_events":
		return s.getEvents(req.Params)
	case "clear_interceptor_events":
		if err := s.deps.Store.ClearEvents(); err != nil {
			return nil, err
		}
		return true, nil
	case "shutdown":
		if s.deps.Shutdown != nil {
			// Answer first, stop after.
			go s.deps.Shutdown()
		}
		return true, nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *Server) status() (*StatusInfo, error) {
	requests, err := s.deps.Store.Count(&store.Filter{})
	if err != nil {
		return nil, err
	}
	sessions, err := s.deps.Store.ListSessions()
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{
		Running:       true,
		PID:           os.Getpid(),
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Requests:      requests,
		Sessions:      len(sessions),
		Interceptors:  len(s.deps.Runtime.List()),
	}
	if s.deps.Replayer != nil {
		info.ProxyPort = s.deps.Replayer.Port()
	}
	return info, nil
}

type registerSessionParams struct {
	Label  string `json:"label,omitempty"`
	PID    int    `json:"pid"`
	Source string `json:"source,omitempty"`
}

func (s *Server) registerSession(raw json.RawMessage) (any, error) {
	var params registerSessionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.RegisterSession(params.Label, params.PID, params.Source)
}

type listParams struct {
	Filter *store.Filter `json:"filter,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

func (s *Server) listRequests(raw json.RawMessage) (any, error) {
	var params listParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.List(params.Filter, params.Limit, params.Offset)
}

func (s *Server) listSummaries(raw json.RawMessage) (any, error) {
	var params listParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.ListSummaries(params.Filter, params.Limit, params.Offset)
}

func (s *Server) countRequests(raw json.RawMessage) (any, error) {
	var params listParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.Count(params.Filter)
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) getRequest(raw json.RawMessage) (any, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.Get(params.ID)
}

type searchParams struct {
	Query  string        `json:"query"`
	Target string        `json:"target,omitempty"`
	Filter *store.Filter `json:"filter,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

func (s *Server) searchBodies(raw json.RawMessage) (any, error) {
	var params searchParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.SearchBodies(params.Query, params.Target, params.Filter, params.Limit, params.Offset)
}

type jsonQueryParams struct {
	Path   string        `json:"path"`
	Value  string        `json:"value,omitempty"`
	Target string        `json:"target,omitempty"`
	Filter *store.Filter `json:"filter,omitempty"`
}

func (s *Server) queryJSONBodies(raw json.RawMessage) (any, error) {
	var params jsonQueryParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.QueryJSONBodies(params.Path, params.Value, params.Target, params.Filter)
}

func (s *Server) clearRequests() (any, error) {
	deleted, err := s.deps.Store.Clear()
	if err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": deleted}, nil
}

func (s *Server) setSaved(raw json.RawMessage, saved bool) (any, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.deps.Store.SetSaved(params.ID, saved); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) deleteRequest(raw json.RawMessage) (any, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if err := s.deps.Store.Delete(params.ID); err != nil {
		return nil, err
	}
	return true, nil
}

type replayParams struct {
	ID        string `json:"id"`
	Initiator string `json:"initiator,omitempty"`
}

// replayRequest re-executes a stored request. Because replay spawns
// outbound traffic, the caller must be the same user as the daemon.
func (s *Server) replayRequest(conn net.Conn, raw json.RawMessage) (any, error) {
	if s.deps.Replayer == nil {
		return nil, fmt.Errorf("replay unavailable")
	}

	uid, err := peerUID(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to verify caller: %w", err)
	}
	if uid != os.Getuid() {
		return nil, fmt.Errorf("replay denied: caller is not the daemon owner")
	}

	var params replayParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	newID, err := s.deps.Replayer.Replay(ctx, params.ID, params.Initiator)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": newID}, nil
}

type eventsParams struct {
	AfterSeq    int64  `json:"afterSeq,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Level       string `json:"level,omitempty"`
	Interceptor string `json:"interceptor,omitempty"`
}

func (s *Server) getEvents(raw json.RawMessage) (any, error) {
	var params eventsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return s.deps.Store.ListEvents(params.AfterSeq, params.Limit, params.Level, params.Interceptor)
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
