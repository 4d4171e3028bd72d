// Package operator — server.go
//
// Unix domain socket server for sentinel operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/sentinel/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//   {"cmd":"reset","session_id":"sess-1234"}
//     → Resets the named session's Pipeline to a fresh state (all
//       components and the fingerprint reinitialised).
//     → Response: {"ok":true,"session_id":"sess-1234"}
//
//   {"cmd":"status","session_id":"sess-1234"}
//     → Returns the session's current fingerprint and health snapshot.
//     → Response: {"ok":true,"session_id":"sess-1234","fingerprint":"...","health_state":"HEALTHY","health_score":0.97}
//
//   {"cmd":"list"}
//     → Returns all registered session IDs.
//     → Response: {"ok":true,"session_ids":["sess-1234","sess-5678"]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection deadline: 10s for the whole read-and-respond exchange.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/sentinel/internal/session"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd       string `json:"cmd"`        // reset | status | list
	SessionID string `json:"session_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK          bool     `json:"ok"`
	Error       string   `json:"error,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	HealthState string   `json:"health_state,omitempty"`
	HealthScore float64  `json:"health_score,omitempty"`
	SessionIDs  []string `json:"session_ids,omitempty"`
}

// Server is the operator Unix domain socket server, fronting a session
// Manager. It never touches a Pipeline's decision state directly — every
// mutation goes through the Manager so the concurrency contract stays in
// one place.
type Server struct {
	socketPath string
	manager    *session.Manager
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, manager *session.Manager, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		manager:    manager,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding. Blocks until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one JSON
// response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "reset":
		return s.cmdReset(req)
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdReset(req Request) Response {
	if req.SessionID == "" {
		return Response{OK: false, Error: "session_id required for reset"}
	}
	if err := s.manager.Reset(req.SessionID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: session reset", zap.String("session_id", req.SessionID))
	return Response{OK: true, SessionID: req.SessionID}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.SessionID == "" {
		return Response{OK: false, Error: "session_id required for status"}
	}
	st, err := s.manager.Status(req.SessionID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{
		OK:          true,
		SessionID:   st.SessionID,
		Fingerprint: st.Fingerprint,
		HealthState: st.HealthState,
		HealthScore: st.HealthScore,
	}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, SessionIDs: s.manager.List()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
