package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/evidence/cache"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/models"
	"github.com/use-agent/evidence/scene"
	"github.com/use-agent/evidence/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testCfg = config.CaptureConfig{
	OutputDir:      "/tmp/evidence",
	DefaultTimeout: 30 * time.Second,
	DefaultPadding: 20,
	MaxConcurrent:  2,
}

type stubEngine struct {
	mu       sync.Mutex
	result   *models.CaptureResult
	reqs     []*models.CaptureRequest
	inFlight int
}

func (e *stubEngine) Capture(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	out := *e.result
	return &out
}

func (e *stubEngine) InFlight() int { return e.inFlight }

func (e *stubEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reqs)
}

func do(t *testing.T, h gin.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Handle(method, "/x", h)
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/x"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func captureBody(maxAge int) map[string]any {
	b := map[string]any{
		"url":         "https://example.com/report",
		"description": "the revenue table",
		"scene_id":    "s1",
	}
	if maxAge > 0 {
		b["max_age"] = maxAge
	}
	return b
}

func TestCaptureAppliesDefaults(t *testing.T) {
	eng := &stubEngine{result: &models.CaptureResult{Status: models.StatusSuccess, ElementSelector: "#t"}}
	w := do(t, Capture(eng, nil, testCfg), http.MethodPost, "", captureBody(0))

	require.Equal(t, http.StatusOK, w.Code)
	var got models.CaptureResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Empty(t, got.CacheStatus)

	require.Len(t, eng.reqs, 1)
	req := eng.reqs[0]
	assert.Equal(t, "/tmp/evidence", req.OutputDir)
	assert.Equal(t, 30, req.Timeout)
	assert.Equal(t, 20, req.PaddingPx())
}

func TestCaptureFailedIs422(t *testing.T) {
	eng := &stubEngine{result: &models.CaptureResult{
		Status:    models.StatusFailed,
		ErrorCode: models.ErrCodeAntiBot,
	}}
	w := do(t, Capture(eng, nil, testCfg), http.MethodPost, "", captureBody(0))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var got models.CaptureResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.ErrCodeAntiBot, got.ErrorCode)
}

func TestCaptureInvalidInput(t *testing.T) {
	eng := &stubEngine{result: models.NewCaptureResult()}
	cases := map[string]any{
		"malformed json":   "{",
		"missing url":      map[string]any{"description": "d", "scene_id": "s1"},
		"bad scene id":     map[string]any{"url": "https://example.com", "description": "d", "scene_id": "../etc"},
		"negative padding": map[string]any{"url": "https://example.com", "description": "d", "scene_id": "s1", "padding": -1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, Capture(eng, nil, testCfg), http.MethodPost, "", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, models.ErrCodeInvalidInput, resp.Error.Code)
		})
	}
	assert.Zero(t, eng.calls())
}

func TestCaptureCache(t *testing.T) {
	dir := t.TempDir()
	shot := filepath.Join(dir, "scene_s1_viewport.png")
	require.NoError(t, os.WriteFile(shot, []byte("png"), 0o644))

	eng := &stubEngine{result: &models.CaptureResult{Status: models.StatusPartial, ViewportPath: shot}}
	cc := cache.New(10)
	t.Cleanup(cc.Close)
	h := Capture(eng, cc, testCfg)

	first := do(t, h, http.MethodPost, "", captureBody(60_000))
	require.Equal(t, http.StatusOK, first.Code)
	var got models.CaptureResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &got))
	assert.Equal(t, "miss", got.CacheStatus)

	second := do(t, h, http.MethodPost, "", captureBody(60_000))
	require.Equal(t, http.StatusOK, second.Code)
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &got))
	assert.Equal(t, "hit", got.CacheStatus)
	assert.Equal(t, shot, got.ViewportPath)
	assert.Equal(t, 1, eng.calls())

	// A missing artifact invalidates the entry.
	require.NoError(t, os.Remove(shot))
	third := do(t, h, http.MethodPost, "", captureBody(60_000))
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &got))
	assert.Equal(t, "miss", got.CacheStatus)
	assert.Equal(t, 2, eng.calls())
}

// writingEngine records the request description in the fullpage artifact,
// the way a real capture overwrites the scene's files.
type writingEngine struct{ calls int }

func (e *writingEngine) Capture(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult {
	e.calls++
	path := models.ArtifactPath(req.OutputDir, req.SceneID, models.VariantFullPage)
	if err := os.WriteFile(path, []byte(req.Description), 0o644); err != nil {
		return models.NewCaptureResult()
	}
	return &models.CaptureResult{Status: models.StatusPartial, FullPagePath: path}
}

func TestCacheMissAfterSceneFilesRewritten(t *testing.T) {
	cfg := testCfg
	cfg.OutputDir = t.TempDir()
	eng := &writingEngine{}
	cc := cache.New(10)
	t.Cleanup(cc.Close)
	h := Capture(eng, cc, cfg)

	body := func(desc string) map[string]any {
		b := captureBody(60_000)
		b["description"] = desc
		return b
	}
	status := func(w *httptest.ResponseRecorder) models.CaptureResult {
		require.Equal(t, http.StatusOK, w.Code)
		var got models.CaptureResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		return got
	}

	assert.Equal(t, "miss", status(do(t, h, http.MethodPost, "", body("revenue table"))).CacheStatus)
	assert.Equal(t, "miss", status(do(t, h, http.MethodPost, "", body("headcount chart"))).CacheStatus)

	got := status(do(t, h, http.MethodPost, "", body("revenue table")))
	assert.Equal(t, "miss", got.CacheStatus, "the shared files now hold the other description's capture")
	assert.Equal(t, 3, eng.calls)
	data, err := os.ReadFile(got.FullPagePath)
	require.NoError(t, err)
	assert.Equal(t, "revenue table", string(data))

	assert.Equal(t, "hit", status(do(t, h, http.MethodPost, "", body("revenue table"))).CacheStatus)
	assert.Equal(t, 3, eng.calls)
}

func TestHealth(t *testing.T) {
	cases := []struct {
		inFlight int
		want     string
	}{
		{0, "healthy"},
		{8, "healthy"},
		{9, "degraded"},
	}
	for _, tc := range cases {
		eng := &stubEngine{inFlight: tc.inFlight}
		w := do(t, Health(eng, 10, time.Now().Add(-time.Minute)), http.MethodGet, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got models.HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, tc.want, got.Status, "in flight %d", tc.inFlight)
		assert.Equal(t, tc.inFlight, got.InFlight)
		assert.Equal(t, 10, got.MaxSlots)
		assert.Equal(t, Version, got.Version)
	}
}

func TestMapErrorToStatus(t *testing.T) {
	cases := map[string]int{
		models.ErrCodeInvalidInput: http.StatusBadRequest,
		models.ErrCodeUnauthorized: http.StatusUnauthorized,
		models.ErrCodeRateLimited:  http.StatusTooManyRequests,
		models.ErrCodeTimeout:      http.StatusGatewayTimeout,
		models.ErrCodeSession:      http.StatusBadGateway,
		models.ErrCodeInternal:     http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, mapErrorToStatus(models.NewCaptureError(code, "m", nil)), code)
	}
}

// scriptedScenes resolves each scene according to outcome[scene.ID].
type scriptedScenes struct {
	outcome map[string]scene.Evidence
	opts    scene.Options
	release chan struct{}
}

func (s *scriptedScenes) CaptureAll(ctx context.Context, scenes []*scene.Scene, opts scene.Options, onDone func(*scene.Scene)) error {
	s.opts = opts
	if s.release != nil {
		<-s.release
	}
	for _, sc := range scenes {
		sc.Evidence = s.outcome[sc.ID]
		onDone(sc)
	}
	return nil
}

type recordingNotifier struct {
	events chan *webhook.Event
	url    string
	secret string
}

func (n *recordingNotifier) DeliverAsync(url, secret string, event *webhook.Event) {
	n.url, n.secret = url, secret
	n.events <- event
}

func success(path string) scene.Captured {
	return scene.Captured{SourceURL: "https://a.example", Bundle: &models.CaptureResult{
		Status:            models.StatusSuccess,
		ElementPaddedPath: path,
	}}
}

func batchBody(ids ...string) map[string]any {
	var scenes []map[string]any
	for _, id := range ids {
		scenes = append(scenes, map[string]any{
			"id":            id,
			"description":   "chart " + id,
			"url":           "https://a.example/" + id,
			"fallback_urls": []string{"https://b.example/" + id},
		})
	}
	return map[string]any{
		"scenes":         scenes,
		"webhook_url":    "https://hooks.example/done",
		"webhook_secret": "s3cret",
	}
}

func waitStatus(t *testing.T, store *BatchStore, id string) models.BatchStatusResponse {
	t.Helper()
	var snap models.BatchStatusResponse
	require.Eventually(t, func() bool {
		bj, ok := store.get(id)
		if !ok {
			return false
		}
		snap = bj.snapshot()
		return snap.Status != BatchProcessing
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestBatchLifecycle(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	t.Cleanup(store.Close)
	sc := &scriptedScenes{
		outcome: map[string]scene.Evidence{
			"s1": success("/tmp/s1.png"),
			"s2": scene.Failed{Reason: "LOCATOR_MISS"},
		},
		release: make(chan struct{}),
	}
	notifier := &recordingNotifier{events: make(chan *webhook.Event, 1)}

	w := do(t, PostBatch(store, sc, notifier, testCfg), http.MethodPost, "", batchBody("s1", "s2"))
	require.Equal(t, http.StatusOK, w.Code)
	var accepted models.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, BatchProcessing, accepted.Status)
	assert.Equal(t, 2, accepted.Total)

	// While processing every scene reads as investigated.
	r := gin.New()
	r.GET("/api/v1/batch/:id", GetBatch(store))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/"+accepted.ID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending models.BatchStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, BatchProcessing, pending.Status)
	require.Len(t, pending.Results, 2)
	assert.Equal(t, scene.StateInvestigated, pending.Results[0].State)
	assert.Equal(t, "https://a.example/s1", pending.Results[0].SourceURL)

	close(sc.release)
	snap := waitStatus(t, store, accepted.ID)
	assert.Equal(t, BatchPartial, snap.Status)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, scene.StateCaptured, snap.Results[0].State)
	assert.Equal(t, scene.StateFailed, snap.Results[1].State)
	assert.Equal(t, "LOCATOR_MISS", snap.Results[1].Reason)

	assert.Equal(t, "/tmp/evidence", sc.opts.OutputDir)
	assert.Equal(t, 30, sc.opts.Timeout)
	require.NotNil(t, sc.opts.Padding)
	assert.Equal(t, 20, *sc.opts.Padding)

	select {
	case ev := <-notifier.events:
		assert.Equal(t, webhook.EventBatchCompleted, ev.Type)
		assert.Equal(t, accepted.ID, ev.JobID)
		assert.Equal(t, "https://hooks.example/done", notifier.url)
		assert.Equal(t, "s3cret", notifier.secret)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

// blockingScenes holds every scene until the batch context ends, then
// records it failed with the context's error.
type blockingScenes struct{ started chan struct{} }

func (s *blockingScenes) CaptureAll(ctx context.Context, scenes []*scene.Scene, opts scene.Options, onDone func(*scene.Scene)) error {
	close(s.started)
	<-ctx.Done()
	for _, sc := range scenes {
		sc.Evidence = scene.Failed{Reason: ctx.Err().Error()}
		onDone(sc)
	}
	return ctx.Err()
}

func postBatch(t *testing.T, store *BatchStore, sc SceneCapturer, n Notifier) string {
	t.Helper()
	w := do(t, PostBatch(store, sc, n, testCfg), http.MethodPost, "", batchBody("s1", "s2"))
	require.Equal(t, http.StatusOK, w.Code)
	var accepted models.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	return accepted.ID
}

func TestBatchStoreShutdownWaitsForRunningJobs(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	sc := &scriptedScenes{
		outcome: map[string]scene.Evidence{"s1": success("/tmp/s1.png"), "s2": success("/tmp/s2.png")},
		release: make(chan struct{}),
	}
	notifier := &recordingNotifier{events: make(chan *webhook.Event, 1)}
	id := postBatch(t, store, sc, notifier)

	stopped := make(chan error, 1)
	go func() { stopped <- store.Shutdown(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("shutdown returned while a batch was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(sc.release)
	require.NoError(t, <-stopped)

	bj, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, BatchCompleted, bj.snapshot().Status)
	require.Len(t, notifier.events, 1)
}

func TestBatchStoreShutdownCancelsAtDeadline(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	sc := &blockingScenes{started: make(chan struct{})}
	notifier := &recordingNotifier{events: make(chan *webhook.Event, 1)}
	id := postBatch(t, store, sc, notifier)
	<-sc.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, store.Shutdown(ctx), context.DeadlineExceeded)

	bj, ok := store.get(id)
	require.True(t, ok)
	snap := bj.snapshot()
	assert.Equal(t, BatchFailed, snap.Status)
	assert.Equal(t, 2, snap.Completed)
	require.Len(t, notifier.events, 1, "the completion webhook still fires")
}

func TestBatchRejectsDuplicateScenes(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	t.Cleanup(store.Close)
	w := do(t, PostBatch(store, &scriptedScenes{}, nil, testCfg), http.MethodPost, "", batchBody("s1", "s1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBatchNotFound(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	t.Cleanup(store.Close)
	r := gin.New()
	r.GET("/api/v1/batch/:id", GetBatch(store))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/batch/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchStoreExpire(t *testing.T) {
	store := NewBatchStore(context.Background(), time.Hour)
	t.Cleanup(store.Close)
	now := time.Now()
	store.jobs.Store("old", &batchJob{job: models.BatchJob{ID: "old", CreatedAt: now.Add(-2 * time.Hour).Unix()}})
	store.jobs.Store("new", &batchJob{job: models.BatchJob{ID: "new", CreatedAt: now.Unix()}})

	store.expire(now)

	_, ok := store.get("old")
	assert.False(t, ok)
	_, ok = store.get("new")
	assert.True(t, ok)
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, BatchCompleted, finalStatus(3, 3, 0))
	assert.Equal(t, BatchFailed, finalStatus(3, 0, 3))
	assert.Equal(t, BatchPartial, finalStatus(3, 2, 1))
	// Partial bundles count as neither captured nor failed.
	assert.Equal(t, BatchPartial, finalStatus(2, 0, 0))
}
