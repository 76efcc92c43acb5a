// Package admin implements the administrative JSON-RPC surface (C12):
// getLinks and the mock-server test control methods, served over HTTP
// via chi. Grounded on the teacher's admin endpoint conventions
// (caddy's admin.go JSON-over-HTTP handler registration), adapted from
// Caddy's config-management RPC to this daemon's read-mostly status API.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/suibase/suibase-proxyd/internal/config"
	"github.com/suibase/suibase-proxyd/internal/mockserver"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server is the admin JSON-RPC server. Calls are not serialised per
// workdir: handlers read live state through Controller's locks, which
// are held only for each lookup, so a getLinks call that runs during a
// config reload may see the link set partly updated. The mu field is
// not used.
type Server struct {
	controller *config.Controller
	mocks      *mockserver.Registry

	mu sync.Mutex
}

// New constructs an admin Server backed by controller and, optionally,
// a mock-server registry (nil disables the mockServer* methods).
func New(controller *config.Controller, mocks *mockserver.Registry) *Server {
	return &Server{controller: controller, mocks: mocks}
}

// Routes mounts the admin JSON-RPC endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/rpc", s.handleRPC)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, -32700, "parse error")
		return
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeRPCResult(w, req.ID, result)
}

func (s *Server) dispatch(method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "getLinks":
		return s.getLinks(params)
	case "mockServerControl":
		return s.mockServerControl(params)
	case "mockServerStats":
		return s.mockServerStats(params)
	case "mockServerReset":
		return s.mockServerReset(params)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
