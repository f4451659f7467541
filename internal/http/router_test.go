package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"speech-emotion-service/internal/loop"
	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/metrics"
)

type fakeController struct {
	state   models.StateView
	entries []models.EntryView
	err     error
	ready   bool
	calls   []string
	limit   int
}

func (c *fakeController) State(context.Context) (models.StateView, error) {
	return c.state, c.err
}

func (c *fakeController) History(_ context.Context, limit int) ([]models.EntryView, error) {
	c.limit = limit
	return c.entries, c.err
}

func (c *fakeController) Start(context.Context) (models.StateView, error) {
	c.calls = append(c.calls, "start")
	c.state.State = "ACTIVE"
	return c.state, c.err
}

func (c *fakeController) Stop(context.Context) (models.StateView, error) {
	c.calls = append(c.calls, "stop")
	c.state.State = "IDLE"
	return c.state, c.err
}

func (c *fakeController) Toggle(context.Context) (models.StateView, error) {
	c.calls = append(c.calls, "toggle")
	return c.state, c.err
}

func (c *fakeController) Ready() bool {
	return c.ready
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	ctrl := &fakeController{}
	r := NewRouter(ctrl, nil)

	if rec := do(t, r, http.MethodGet, "/v1/liveness"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("liveness: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, r, http.MethodGet, "/v1/readiness"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected not ready, got %d", rec.Code)
	}
	ctrl.ready = true
	if rec := do(t, r, http.MethodGet, "/v1/readiness"); rec.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", rec.Code)
	}
}

func TestRouter_State(t *testing.T) {
	ctrl := &fakeController{state: models.StateView{
		State:      "ACTIVE",
		SessionID:  "s1",
		Transcript: "I am so",
		Classification: models.ClassificationView{
			Label:      "joy",
			Confidence: 0.7,
			Color:      "yellow",
		},
	}}
	rec := do(t, NewRouter(ctrl, nil), http.MethodGet, "/v1/state")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var got models.StateView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "ACTIVE" || got.Transcript != "I am so" || got.Classification.Label != "joy" {
		t.Errorf("unexpected state %+v", got)
	}
}

func TestRouter_History(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"all", "", http.StatusOK, 0},
		{"limited", "?limit=5", http.StatusOK, 5},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0},
		{"negative", "?limit=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{entries: []models.EntryView{
				{ChatEntry: models.ChatEntry{ID: "s1-utt-1", Emotion: "joy"}, Color: "yellow"},
			}}
			rec := do(t, NewRouter(ctrl, nil), http.MethodGet, "/v1/history"+tt.query)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if ctrl.limit != tt.wantLimit {
				t.Errorf("expected limit %d, got %d", tt.wantLimit, ctrl.limit)
			}
			var got []models.EntryView
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != 1 || got[0].ID != "s1-utt-1" || got[0].Color != "yellow" {
				t.Errorf("unexpected history %+v", got)
			}
		})
	}
}

func TestRouter_EmptyHistoryIsArray(t *testing.T) {
	rec := do(t, NewRouter(&fakeController{}, nil), http.MethodGet, "/v1/history")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestRouter_SessionControl(t *testing.T) {
	ctrl := &fakeController{}
	r := NewRouter(ctrl, nil)

	for _, path := range []string{"/v1/session/start", "/v1/session/toggle", "/v1/session/stop"} {
		if rec := do(t, r, http.MethodPost, path); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
	if got := strings.Join(ctrl.calls, ","); got != "start,toggle,stop" {
		t.Errorf("unexpected calls %s", got)
	}

	if rec := do(t, r, http.MethodGet, "/v1/session/start"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestRouter_ControllerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"loop stopped", loop.ErrStopped, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewRouter(&fakeController{err: tt.err}, nil), http.MethodGet, "/v1/state")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestRouter_RecordsRequestMetrics(t *testing.T) {
	m := metrics.NewUnregistered()
	r := newRouter(&fakeController{}, nil, m)

	do(t, r, http.MethodPost, "/v1/session/start")
	do(t, r, http.MethodGet, "/v1/history?limit=x")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/v1/session/start", "POST", "200")); got != 1 {
		t.Errorf("expected 1 start request, got %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/v1/history", "GET", "400")); got != 1 {
		t.Errorf("expected 1 rejected history request, got %v", got)
	}
}

func TestHub_StreamsSnapshotAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	ctrl := &fakeController{state: models.StateView{State: "IDLE"}}
	srv := httptest.NewServer(NewRouter(ctrl, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Type string           `json:"type"`
		Data models.StateView `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != models.FeedState || first.Data.State != "IDLE" {
		t.Errorf("unexpected snapshot %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(models.FeedEntry, models.EntryView{ChatEntry: models.ChatEntry{ID: "s1-utt-1"}})

	var next struct {
		Type string           `json:"type"`
		Data models.EntryView `json:"data"`
	}
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if next.Type != models.FeedEntry || next.Data.ID != "s1-utt-1" {
		t.Errorf("unexpected broadcast %+v", next)
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 500 {
			hub.Broadcast(models.FeedState, models.StateView{})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}
