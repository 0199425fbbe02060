package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"soundsync/core/coordinator"
	"soundsync/core/remote"
	"soundsync/core/transfer"
	"soundsync/db"
	"soundsync/model"
	"soundsync/repository"
	"soundsync/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

type stubFeed struct {
	mu        sync.Mutex
	changes   []model.RemoteSound
	fetchErr  error
	deleteErr error
}

func (f *stubFeed) FetchChanges(context.Context, int64) ([]model.RemoteSound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]model.RemoteSound(nil), f.changes...), nil
}

func (f *stubFeed) DeleteRemote(context.Context, model.Sound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

type switchConn struct {
	mu sync.Mutex
	on bool
}

func (c *switchConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *switchConn) set(on bool) {
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()
}

type testServer struct {
	coord  *coordinator.Coordinator
	feed   *stubFeed
	conn   *switchConn
	guard  *transfer.Counter
	media  *storage.MediaStore
	hub    *Hub
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "sounds.db"), gormlogger.Silent)
	require.NoError(t, err)
	_, err = db.Migrate(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	media := storage.NewMediaStore(t.TempDir())
	require.NoError(t, media.EnsureDir())

	ts := &testServer{
		feed:  &stubFeed{},
		conn:  &switchConn{on: true},
		guard: transfer.NewCounter(),
		media: media,
		hub:   NewHub(),
	}
	ts.coord = coordinator.New(coordinator.Options{
		Store:  repository.NewSoundRepository(gdb),
		Remote: ts.feed,
		Transfers: transfer.NewEngine(transfer.Options{
			HTTPClient:  remote.NewHTTPClient(time.Second, 2*time.Second),
			Media:       media,
			ReadTimeout: 2 * time.Second,
			Guard:       ts.guard,
		}),
		Media:        media,
		Watermark:    repository.NewWatermarkStore(repository.NewPreferenceStore(gdb)),
		Connectivity: ts.conn,
		Now:          func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, ts.coord.Refresh(context.Background()))

	ts.router = NewRouter(NewAPIHandler(ts.coord, ts.guard, ts.hub, 2), ts.hub, media.Root())
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) sync(t *testing.T, changes ...model.RemoteSound) {
	t.Helper()
	ts.feed.changes = changes
	rec := ts.do(t, http.MethodPost, "/api/sync")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.mp3" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("audio:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncAndList(t *testing.T) {
	ts := newTestServer(t)

	ts.feed.changes = []model.RemoteSound{{ID: 7, Name: "Boo", FileName: "boo.mp3"}}
	rec := ts.do(t, http.MethodPost, "/api/sync")
	require.Equal(t, http.StatusOK, rec.Code)

	var res coordinator.SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, int64(1700000000), res.Watermark)

	rec = ts.do(t, http.MethodGet, "/api/sounds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sounds []model.Sound
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sounds))
	require.Len(t, sounds, 1)
	assert.Equal(t, int64(7), sounds[0].RemoteID)
	assert.False(t, sounds[0].Downloaded)
}

func TestSync_FetchFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.feed.fetchErr = &remote.ChangeFetchError{Status: 500, Body: "boom"}

	rec := ts.do(t, http.MethodPost, "/api/sync")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestSync_NoConnectivity(t *testing.T) {
	ts := newTestServer(t)
	ts.conn.set(false)

	rec := ts.do(t, http.MethodPost, "/api/sync")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDownload(t *testing.T) {
	srv := fileServer(t)
	ts := newTestServer(t)
	ts.sync(t, model.RemoteSound{ID: 7, Name: "Boo", FileName: "boo.mp3", DownloadLink: srv.URL + "/boo.mp3"})

	rec := ts.do(t, http.MethodPost, "/api/sounds/0/download")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Result string      `json:"result"`
		Sound  model.Sound `json:"sound"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "downloaded", resp.Result)
	assert.True(t, resp.Sound.Downloaded)
	assert.Equal(t, "boo.mp3", resp.Sound.LocalFileName)

	// the file is now served under /media/
	rec = ts.do(t, http.MethodGet, "/media/boo.mp3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio:/boo.mp3", rec.Body.String())
}

func TestDownload_NotFoundPurges(t *testing.T) {
	srv := fileServer(t)
	ts := newTestServer(t)
	ts.sync(t, model.RemoteSound{ID: 9, Name: "Gone", FileName: "gone.mp3", DownloadLink: srv.URL + "/gone.mp3"})

	rec := ts.do(t, http.MethodPost, "/api/sounds/0/download")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"not_found"`)
	assert.Empty(t, ts.coord.Sounds())
}

func TestDownload_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.sync(t, model.RemoteSound{ID: 7, Name: "Boo", FileName: "boo.mp3", DownloadLink: "http://127.0.0.1:1/boo.mp3"})

	t.Run("position out of range", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/sounds/5/download")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("position not a number", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/sounds/abc/download")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("transfer failure", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/sounds/0/download")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), `"result":"failed"`)
	})

	t.Run("no connectivity", func(t *testing.T) {
		ts.conn.set(false)
		defer ts.conn.set(true)
		rec := ts.do(t, http.MethodPost, "/api/sounds/0/download")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestDeleteSound(t *testing.T) {
	ts := newTestServer(t)
	ts.sync(t,
		model.RemoteSound{ID: 1, Name: "a", FileName: "a.mp3"},
		model.RemoteSound{ID: 2, Name: "b", FileName: "b.mp3"},
	)

	ts.feed.deleteErr = &remote.DeleteError{Status: 500}
	rec := ts.do(t, http.MethodDelete, "/api/sounds/0")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Len(t, ts.coord.Sounds(), 2)

	ts.feed.deleteErr = nil
	rec = ts.do(t, http.MethodDelete, "/api/sounds/0")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	sounds := ts.coord.Sounds()
	require.Len(t, sounds, 1)
	assert.Equal(t, "b", sounds[0].Name)
}

func TestDeleteAll(t *testing.T) {
	ts := newTestServer(t)
	ts.sync(t, model.RemoteSound{ID: 1, Name: "a", FileName: "a.mp3"})

	rec := ts.do(t, http.MethodDelete, "/api/sounds?confirm=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ts.coord.Sounds(), 1)

	rec = ts.do(t, http.MethodDelete, "/api/sounds")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/sounds?confirm="+model.DeleteAllConfirmation)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, ts.coord.Sounds())
}

func TestDownloadMissing(t *testing.T) {
	srv := fileServer(t)
	ts := newTestServer(t)
	ts.sync(t,
		model.RemoteSound{ID: 1, Name: "a", FileName: "a.mp3", DownloadLink: srv.URL + "/a.mp3"},
		model.RemoteSound{ID: 2, Name: "gone", FileName: "gone.mp3", DownloadLink: srv.URL + "/gone.mp3"},
		model.RemoteSound{ID: 3, Name: "c", FileName: "c.wav", DownloadLink: "http://127.0.0.1:1/c.wav"},
	)

	rec := ts.do(t, http.MethodPost, "/api/sounds/download-missing?workers=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/sounds/download-missing?workers=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Downloaded int               `json:"downloaded"`
		NotFound   int               `json:"notFound"`
		Failed     int               `json:"failed"`
		Errors     map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Downloaded)
	assert.Equal(t, 1, resp.NotFound)
	assert.Equal(t, 1, resp.Failed)
	assert.Len(t, resp.Errors, 1)
}

func TestState(t *testing.T) {
	ts := newTestServer(t)
	ts.sync(t, model.RemoteSound{ID: 1, Name: "a", FileName: "a.mp3"})

	release := ts.guard.Acquire("test")
	defer release()

	rec := ts.do(t, http.MethodGet, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, stateResponse{State: "idle", Sounds: 1, ActiveTransfers: 1}, resp)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/api/sounds")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{coordinator.ErrInvalidPosition, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", coordinator.ErrNoConnectivity), http.StatusServiceUnavailable},
		{&coordinator.SyncFailedError{Status: 500}, http.StatusBadGateway},
		{&coordinator.TransferFailedError{Status: 403}, http.StatusBadGateway},
		{&coordinator.TransferFailedError{Err: coordinator.ErrTargetBusy}, http.StatusConflict},
		{&remote.DeleteError{Status: 500}, http.StatusBadGateway},
		{&remote.ChangeFetchError{Status: 502}, http.StatusBadGateway},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWebsocketEvents(t *testing.T) {
	ts := newTestServer(t)
	go ts.hub.Run()
	defer ts.hub.Stop()
	unsubscribe := ts.coord.Subscribe(ts.hub)
	defer unsubscribe()

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.feed.changes = []model.RemoteSound{{ID: 7, Name: "Boo", FileName: "boo.mp3"}}
	_, err = ts.coord.SyncWithServer(context.Background())
	require.NoError(t, err)

	seen := map[EventType]Event{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(seen) < 2 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		seen[ev.Type] = ev
	}

	var sounds []model.Sound
	require.NoError(t, json.Unmarshal(seen[EventWorkingSet].Data, &sounds))
	require.Len(t, sounds, 1)
	assert.Equal(t, "Boo", sounds[0].Name)

	var synced syncData
	require.NoError(t, json.Unmarshal(seen[EventSync].Data, &synced))
	assert.Equal(t, 1, synced.Result.Created)
	assert.Empty(t, synced.Error)

	// ping gets a pong
	require.NoError(t, conn.WriteJSON(Event{Type: EventPing}))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"pong"`)
}

func TestHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.OnProgress(model.Sound{ID: 1}, i%100)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestServer_RunWaitsForTransfers(t *testing.T) {
	ts := newTestServer(t)
	s := New(Options{
		Addr:            "127.0.0.1:0",
		Coordinator:     ts.coord,
		Guard:           ts.guard,
		MediaRoot:       ts.media.Root(),
		ShutdownTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr().String() + "/api/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	release := ts.guard.Acquire("in-flight")
	cancel()

	select {
	case err := <-runErr:
		t.Fatalf("Run returned before the transfer finished: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	release()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the transfer finished")
	}
}
