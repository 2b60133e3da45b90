package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/exchange"
	"github.com/pr3m/smartbeat-crypto-sub005/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *usecase.ArenaService) {
	t.Helper()
	feed := exchange.NewSimulatedFeed(50_000, 0.001, 3)
	arena := usecase.NewArenaService(feed, nil, nil, usecase.ArenaOptions{}, nil)
	t.Cleanup(func() { arena.Shutdown(context.Background()) })
	return NewServer(0, arena, nil), arena
}

func sessionBody() []byte {
	body, _ := json.Marshal(createSessionRequest{Config: domain.SessionConfig{
		Pair:               "BTCUSDT",
		AgentCount:         3,
		StartingCapital:    1000,
		DecisionIntervalMs: domain.MaxDecisionMs,
		MaxDurationHours:   1,
		Model:              "gpt-4o-mini",
		Seed:               11,
	}})
	return body
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/arena/sessions", []byte(`{"config":{"pair":"BTCUSDT","agent_count":1}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent count")

	rec = do(t, h, http.MethodPost, "/api/arena/sessions", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/arena/config", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/arena/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/arena/restore/abc", nil).Code)

	rec = do(t, h, http.MethodGet, "/api/arena/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StatusIdle, st.Status)
}

func TestServer_Lifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/arena/sessions", sessionBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created usecase.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SessionID)
	assert.Len(t, created.AgentIDs, 3)

	rec = do(t, h, http.MethodGet, "/api/arena/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []domain.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Len(t, agents, 3)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/arena/start", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/arena/start", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/arena/sessions", sessionBody()).Code)

	var changed changedResponse
	rec = do(t, h, http.MethodPost, "/api/arena/pause", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changed))
	assert.True(t, changed.Changed)
	assert.Equal(t, domain.StatusPaused, changed.Status)

	rec = do(t, h, http.MethodPost, "/api/arena/pause", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changed))
	assert.False(t, changed.Changed, "pausing twice is a no-op")

	rec = do(t, h, http.MethodPost, "/api/arena/resume", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changed))
	assert.True(t, changed.Changed)

	rec = do(t, h, http.MethodPost, "/api/arena/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary domain.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))

	rec = do(t, h, http.MethodGet, "/api/arena/events?since=1", nil)
	var events []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Greater(t, ev.Seq, uint64(1))
	}
	assert.Equal(t, domain.EventSessionEnded, events[len(events)-1].Type)
}

func TestServer_Candles(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/arena/candles?pair=ETHUSDT&limit=25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var candles []domain.Candle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candles))
	assert.Len(t, candles, 25)

	// no pair and no session
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/arena/candles", nil).Code)
}

func TestServer_SSEReplaysAfterLastEventID(t *testing.T) {
	srv, arena := newTestServer(t)
	_, err := arena.CreateSession(context.Background(), sessionConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, arena.Start(context.Background()))
	_, err = arena.Pause()
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/arena/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds, ids []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(kinds) == 3 {
			break
		}
	}
	require.Len(t, kinds, 3)
	assert.Equal(t, []string{"connected", "session_started", "session_paused"}, kinds)
	assert.Equal(t, []string{"2", "3"}, ids, "session_created (seq 1) is not replayed")
}

func TestServer_WebSocketStream(t *testing.T) {
	srv, arena := newTestServer(t)
	_, err := arena.CreateSession(context.Background(), sessionConfig(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/arena", nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first struct {
		Type string                `json:"type"`
		Data usecase.ArenaSnapshot `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "connected", first.Type)
	assert.Equal(t, domain.StatusConfiguring, first.Data.Session.Status)
	assert.Len(t, first.Data.Agents, 3)

	var replayed struct {
		Type string `json:"type"`
		Data struct {
			Seq  uint64           `json:"seq"`
			Type domain.EventType `json:"type"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&replayed))
	assert.Equal(t, "event", replayed.Type)
	assert.Equal(t, domain.EventSessionCreated, replayed.Data.Type)

	require.NoError(t, arena.Start(context.Background()))
	require.NoError(t, ws.ReadJSON(&replayed))
	assert.Equal(t, domain.EventSessionStarted, replayed.Data.Type)
	assert.Equal(t, uint64(2), replayed.Data.Seq)
}

func sessionConfig() domain.SessionConfig {
	var req createSessionRequest
	_ = json.Unmarshal(sessionBody(), &req)
	return req.Config
}
