package admin

import (
	"encoding/json"

	"github.com/suibase/suibase-proxyd/internal/mockserver"
)

type mockControlParams struct {
	Alias    string `json:"alias"`
	Behavior string `json:"behavior"`
}

type mockAliasParams struct {
	Alias string `json:"alias"`
}

func (s *Server) mockServerControl(raw json.RawMessage) (interface{}, *rpcError) {
	if s.mocks == nil {
		return nil, &rpcError{Code: -32001, Message: "mock server support disabled"}
	}
	var p mockControlParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	if !mockserver.IsMockAlias(p.Alias) {
		return nil, &rpcError{Code: -32000, Message: "alias must be prefixed with mock-"}
	}
	if err := s.mocks.Control(p.Alias, mockserver.Behavior(p.Behavior)); err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) mockServerStats(raw json.RawMessage) (interface{}, *rpcError) {
	if s.mocks == nil {
		return nil, &rpcError{Code: -32001, Message: "mock server support disabled"}
	}
	var p mockAliasParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	stats, err := s.mocks.Stats(p.Alias)
	if err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	return stats, nil
}

func (s *Server) mockServerReset(raw json.RawMessage) (interface{}, *rpcError) {
	if s.mocks == nil {
		return nil, &rpcError{Code: -32001, Message: "mock server support disabled"}
	}
	var p mockAliasParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: -32602, Message: "invalid params"}
	}
	if err := s.mocks.Reset(p.Alias); err != nil {
		return nil, &rpcError{Code: -32000, Message: err.Error()}
	}
	return map[string]bool{"ok": true}, nil
}
