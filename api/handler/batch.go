package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/models"
	"github.com/use-agent/evidence/scene"
	"github.com/use-agent/evidence/webhook"
)

// Batch job statuses.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)

// SceneCapturer drives a set of scenes through the capture engine.
type SceneCapturer interface {
	CaptureAll(ctx context.Context, scenes []*scene.Scene, opts scene.Options, onDone func(*scene.Scene)) error
}

// Notifier delivers webhook events in the background.
type Notifier interface {
	DeliverAsync(url, secret string, event *webhook.Event)
}

// batchJob pairs a job with the lock guarding it; workers write results
// while GET requests read them.
type batchJob struct {
	mu  sync.Mutex
	job models.BatchJob
}

func (j *batchJob) snapshot() models.BatchStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	return models.BatchStatusResponse{
		ID:        j.job.ID,
		Status:    j.job.Status,
		Completed: j.job.Completed,
		Total:     j.job.Total,
		Results:   append([]*models.SceneEvidence(nil), j.job.Results...),
	}
}

// BatchStore holds all in-flight and completed batch jobs. Jobs older than
// the TTL are expired by a background goroutine. Running jobs capture
// under the store's context, which outlives any request and ends at
// Shutdown.
type BatchStore struct {
	jobs sync.Map // id -> *batchJob
	ttl  time.Duration
	stop chan struct{}
	once sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewBatchStore creates a store expiring jobs after ttl. Jobs run under a
// child of parent.
func NewBatchStore(parent context.Context, ttl time.Duration) *BatchStore {
	ctx, cancel := context.WithCancel(parent)
	s := &BatchStore{ttl: ttl, stop: make(chan struct{}), ctx: ctx, cancel: cancel}
	go s.cleanupLoop(5 * time.Minute)
	return s
}

// Close stops the expiry goroutine and cancels running jobs without
// waiting for them.
func (s *BatchStore) Close() {
	s.once.Do(func() { close(s.stop) })
	s.cancel()
}

// Shutdown waits for running jobs to finish. If ctx ends first, running
// captures are canceled, which releases their sessions and records each
// unfinished scene as failed, and Shutdown waits for the jobs to wind up
// before returning ctx's error.
func (s *BatchStore) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-done
	}
	s.Close()
	return err
}

// launch runs a job in the background, tracked by Shutdown.
func (s *BatchStore) launch(run func(ctx context.Context)) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		run(s.ctx)
	}()
}

func (s *BatchStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

func (s *BatchStore) expire(now time.Time) {
	cutoff := now.Add(-s.ttl).Unix()
	s.jobs.Range(func(key, value any) bool {
		bj := value.(*batchJob)
		bj.mu.Lock()
		old := bj.job.CreatedAt < cutoff
		bj.mu.Unlock()
		if old {
			s.jobs.Delete(key)
		}
		return true
	})
}

func (s *BatchStore) get(id string) (*batchJob, bool) {
	v, ok := s.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*batchJob), true
}

// PostBatch returns a handler for POST /api/v1/batch/capture.
// It validates the request, registers a job, and captures every scene in
// the background.
func PostBatch(store *BatchStore, sc SceneCapturer, notifier Notifier, cfg config.CaptureConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewCaptureError(models.ErrCodeInvalidInput, err.Error(), nil))
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		opts := scene.Options{
			OutputDir: req.OutputDir,
			Timeout:   req.Timeout,
			Padding:   req.Padding,
		}
		if opts.OutputDir == "" {
			opts.OutputDir = cfg.OutputDir
		}
		if opts.Timeout == 0 {
			opts.Timeout = int(cfg.DefaultTimeout.Seconds())
		}
		if opts.Padding == nil {
			p := cfg.DefaultPadding
			opts.Padding = &p
		}

		scenes := make([]*scene.Scene, len(req.Scenes))
		results := make([]*models.SceneEvidence, len(req.Scenes))
		for i, bs := range req.Scenes {
			scenes[i] = &scene.Scene{
				ID:          bs.ID,
				Description: bs.Description,
				Evidence: scene.Investigated{
					URL:         bs.URL,
					Credibility: bs.Credibility,
					Fallbacks:   bs.FallbackURLs,
				},
			}
			results[i] = scene.View(scenes[i])
		}

		bj := &batchJob{job: models.BatchJob{
			ID:            "batch-" + uuid.NewString(),
			Status:        BatchProcessing,
			Total:         len(scenes),
			Results:       results,
			CreatedAt:     time.Now().Unix(),
			WebhookURL:    req.WebhookURL,
			WebhookSecret: req.WebhookSecret,
		}}
		store.jobs.Store(bj.job.ID, bj)

		// The request context ends with the response; the job runs under the store's.
		store.launch(func(ctx context.Context) { runBatch(ctx, sc, notifier, bj, scenes, opts) })

		c.JSON(http.StatusOK, models.BatchResponse{
			ID:     bj.job.ID,
			Status: BatchProcessing,
			Total:  len(scenes),
		})
	}
}

// GetBatch returns a handler for GET /api/v1/batch/:id.
func GetBatch(store *BatchStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		bj, ok := store.get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: &models.ErrorDetail{
				Code:    models.ErrCodeInvalidInput,
				Message: "batch job not found",
			}})
			return
		}
		c.JSON(http.StatusOK, bj.snapshot())
	}
}

// runBatch captures every scene and records the final status.
func runBatch(ctx context.Context, sc SceneCapturer, notifier Notifier, bj *batchJob, scenes []*scene.Scene, opts scene.Options) {
	index := make(map[*scene.Scene]int, len(scenes))
	for i, s := range scenes {
		index[s] = i
	}

	start := time.Now()
	err := sc.CaptureAll(ctx, scenes, opts, func(s *scene.Scene) {
		view := scene.View(s)
		bj.mu.Lock()
		bj.job.Results[index[s]] = view
		bj.job.Completed++
		bj.mu.Unlock()
	})
	if err != nil {
		slog.Error("batch capture aborted", "id", bj.job.ID, "error", err)
	}

	var captured, failed int
	bj.mu.Lock()
	for _, r := range bj.job.Results {
		switch {
		case r.State == scene.StateCaptured && r.Result != nil && r.Result.Status == models.StatusSuccess:
			captured++
		case r.State != scene.StateCaptured:
			failed++
		}
	}
	bj.job.Status = finalStatus(bj.job.Total, captured, failed)
	url, secret := bj.job.WebhookURL, bj.job.WebhookSecret
	bj.mu.Unlock()

	slog.Info("batch job finished",
		"id", bj.job.ID,
		"status", bj.job.Status,
		"captured", captured,
		"failed", failed,
		"total", bj.job.Total,
		"elapsed", time.Since(start),
	)

	if url != "" && notifier != nil {
		snap := bj.snapshot()
		notifier.DeliverAsync(url, secret, &webhook.Event{
			Type:      webhook.EventBatchCompleted,
			JobID:     snap.ID,
			Timestamp: time.Now().Unix(),
			Data:      snap,
		})
	}
}

// finalStatus is completed when every scene has precise evidence, failed
// when none has any, and partial otherwise.
func finalStatus(total, captured, failed int) string {
	switch {
	case total > 0 && failed == total:
		return BatchFailed
	case captured == total:
		return BatchCompleted
	default:
		return BatchPartial
	}
}
