package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/control"
	"nrgchamp/powercontroller/internal/loop"
	"nrgchamp/powercontroller/internal/model"
	"nrgchamp/powercontroller/internal/statestore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopSwitcher struct{}

func (noopSwitcher) SetOutput(ctx context.Context, deviceName string, on bool) error { return nil }

func newTestServer(t *testing.T) (*Server, *control.Controller) {
	cfg := &config.Config{Outputs: []config.Output{{Name: "pump"}}}
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), discardLogger())
	ctrl := control.New(&cfg.Outputs[0], noopSwitcher{}, nil, nil, control.Gates{}, discardLogger(), model.OutputState{Relay: model.RelayOff})
	controllers := map[string]*control.Controller{"pump": ctrl}
	lp := loop.New(cfg, discardLogger(), nil, nil, nil, store, nil, nil, nil, controllers)
	return New("", "", lp, nil, discardLogger()), ctrl
}

func overrideRequestFor(t *testing.T, output, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/override/"+output, strings.NewReader(body))
	return mux.SetURLVars(r, map[string]string{"output": output})
}

func TestPostOverrideAcceptsLowercaseOn(t *testing.T) {
	s, ctrl := newTestServer(t)
	w := httptest.NewRecorder()
	s.postOverride(w, overrideRequestFor(t, "pump", `{"state":"on"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	ov := ctrl.AppOverride()
	if ov == nil || ov.Target != model.DecisionOn {
		t.Fatalf("expected an ON override to be installed, got %v", ov)
	}
}

func TestPostOverrideAutoClearsActiveOverride(t *testing.T) {
	s, ctrl := newTestServer(t)
	ctrl.SetAppOverride(&model.AppOverride{Target: model.DecisionOn})

	w := httptest.NewRecorder()
	s.postOverride(w, overrideRequestFor(t, "pump", `{"state":"auto"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if ctrl.AppOverride() != nil {
		t.Fatalf("expected auto to clear the override before its TTL, got %v", ctrl.AppOverride())
	}
}

func TestPostOverrideRejectsUnknownState(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.postOverride(w, overrideRequestFor(t, "pump", `{"state":"sideways"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unrecognised state, got %d", w.Code)
	}
}

func TestAuthorizedAllowsAnyRequestWhenNoAccessKeyConfigured(t *testing.T) {
	s := &Server{accessKey: ""}
	r := httptest.NewRequest("GET", "/", nil)
	if !s.authorized(r) {
		t.Fatal("expected an empty access key to allow all requests")
	}
}

func TestAuthorizedAcceptsHeaderKey(t *testing.T) {
	s := &Server{accessKey: "secret"}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Access-Key", "secret")
	if !s.authorized(r) {
		t.Fatal("expected the matching header key to be authorized")
	}
}

func TestAuthorizedAcceptsQueryParamKey(t *testing.T) {
	s := &Server{accessKey: "secret"}
	r := httptest.NewRequest("GET", "/?accessKey=secret", nil)
	if !s.authorized(r) {
		t.Fatal("expected the matching query param key to be authorized")
	}
}

func TestAuthorizedRejectsWrongKey(t *testing.T) {
	s := &Server{accessKey: "secret"}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Access-Key", "wrong")
	if s.authorized(r) {
		t.Fatal("expected a mismatched key to be rejected")
	}
}
