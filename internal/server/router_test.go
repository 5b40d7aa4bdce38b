package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayline-systems/relayline/internal/presence"
)

type fakeReadiness struct {
	connected bool
}

func (f *fakeReadiness) IsConnected() bool { return f.connected }

type fakePresence struct {
	instances []presence.Instance
	err       error
}

func (f *fakePresence) Snapshot(context.Context) ([]presence.Instance, error) {
	return f.instances, f.err
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth_AlwaysOK(t *testing.T) {
	router := NewRouter(NewHandler(&fakeReadiness{}, nil), http.NotFoundHandler())

	rec := get(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady_ReflectsBrokerConnection(t *testing.T) {
	ready := &fakeReadiness{connected: true}
	router := NewRouter(NewHandler(ready, nil), http.NotFoundHandler())

	rec := get(t, router, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	ready.connected = false
	rec = get(t, router, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPresence_NotFoundWhenDisabled(t *testing.T) {
	router := NewRouter(NewHandler(&fakeReadiness{connected: true}, nil), http.NotFoundHandler())

	rec := get(t, router, "/api/v1/presence")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresence_ReturnsInstances(t *testing.T) {
	pres := &fakePresence{instances: []presence.Instance{
		{ID: "instance-1", LastSeen: time.Unix(1756300000, 0), Connections: 12},
	}}
	router := NewRouter(NewHandler(&fakeReadiness{connected: true}, pres), http.NotFoundHandler())

	rec := get(t, router, "/api/v1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Instances []presence.Instance `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Instances, 1)
	assert.Equal(t, "instance-1", body.Instances[0].ID)
	assert.EqualValues(t, 12, body.Instances[0].Connections)
}

func TestPresence_EmptyViewIsAnEmptyList(t *testing.T) {
	router := NewRouter(NewHandler(&fakeReadiness{connected: true}, &fakePresence{}), http.NotFoundHandler())

	rec := get(t, router, "/api/v1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"instances":[]}`, rec.Body.String())
}

func TestPresence_BackendErrorIs500(t *testing.T) {
	pres := &fakePresence{err: errors.New("redis down")}
	router := NewRouter(NewHandler(&fakeReadiness{connected: true}, pres), http.NotFoundHandler())

	rec := get(t, router, "/api/v1/presence")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetrics_Exposed(t *testing.T) {
	router := NewRouter(NewHandler(&fakeReadiness{connected: true}, nil), http.NotFoundHandler())

	rec := get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
