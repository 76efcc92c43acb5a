package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/upstream"
)

func addServer(t *testing.T, p *port.Port, alias, rpc string) *upstream.Server {
	t.Helper()
	s, err := upstream.New(0, upstream.Config{
		Alias: alias, RPC: rpc, Priority: 1, Selectable: true, Monitored: true,
	})
	require.NoError(t, err)
	p.AddServer(s)
	return s
}

func TestHandlerForwardsToHealthyUpstream(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstreamSrv.Close()

	p := port.New("wd", 44340)
	addServer(t, p, "nodeA", upstreamSrv.URL)
	p.UpdateSelectionVectors()
	p.SetProxyEnabled(true)

	updates := make(chan StatUpdate, 10)
	h := New(p, updates, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	select {
	case u := <-updates:
		assert.True(t, u.OK)
	case <-time.After(time.Second):
		t.Fatal("expected a stat update")
	}
}

func TestHandlerReturns503WhenNoUpstreamConfigured(t *testing.T) {
	p := port.New("wd", 44340)
	p.SetProxyEnabled(true)

	h := New(p, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerReturns503WhenProxyDisabled(t *testing.T) {
	p := port.New("wd", 44340)
	h := New(p, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerFailsOverOnUpstreamError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer good.Close()

	p := port.New("wd", 44340)
	badServer := addServer(t, p, "bad", bad.URL)
	goodServer := addServer(t, p, "good", good.URL)
	badServer.Stats.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	goodServer.Stats.HandleRespOK(time.Now(), 0, 10*time.Millisecond)
	p.UpdateSelectionVectors()
	p.SetProxyEnabled(true)

	updates := make(chan StatUpdate, 10)
	h := New(p, updates, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
