package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/dedup"
	"analysis-orchestrator/internal/lockmgr"
	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/notify"
	"analysis-orchestrator/internal/orchestrator"
	"analysis-orchestrator/internal/ratelimit"
	"analysis-orchestrator/internal/registry"
	"analysis-orchestrator/internal/store"
)

// memStore fakes the persistence layer for HTTP-level tests.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	nextSeq map[int64]int
	jobs    map[int64]models.Job
	logs    map[int64][]models.JobLogEntry
	locks   map[string]models.AnalysisLock
	windows map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		nextSeq: make(map[int64]int),
		jobs:    make(map[int64]models.Job),
		logs:    make(map[int64][]models.JobLogEntry),
		locks:   make(map[string]models.AnalysisLock),
		windows: make(map[string]int),
	}
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job := models.Job{
		ID:         m.nextID,
		ExternalID: fmt.Sprintf("job-%020d", m.nextID),
		ProjectID:  p.ProjectID,
		Type:       p.Type,
		Trigger:    p.Trigger,
		Status:     models.StatusPending,
		PRNumber:   p.PRNumber,
		CommitHash: p.CommitHash,
		Branch:     p.Branch,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) GetJobByExternalID(_ context.Context, externalID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ExternalID == externalID {
			return job, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (m *memStore) TransitionJob(_ context.Context, id int64, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return false, nil
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) UpdateJobProgress(_ context.Context, id int64, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Progress = progress
	job.Step = step
	m.jobs[id] = job
	return nil
}

func (m *memStore) SetJobResult(_ context.Context, id int64, analysisResultID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.AnalysisResultID = &analysisResultID
	m.jobs[id] = job
	return nil
}

func (m *memStore) AppendJobLog(_ context.Context, jobID int64, level, step, message string, metadata map[string]any) (models.JobLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq[jobID]++
	entry := models.JobLogEntry{
		JobID:    jobID,
		Seq:      m.nextSeq[jobID],
		Level:    level,
		Step:     step,
		Message:  message,
		Metadata: metadata,
		Recorded: time.Now().UTC(),
	}
	m.logs[jobID] = append(m.logs[jobID], entry)
	return entry, nil
}

func (m *memStore) ListJobLogs(_ context.Context, jobID int64) ([]models.JobLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobLogEntry(nil), m.logs[jobID]...), nil
}

func (m *memStore) DeleteJobWithLogs(_ context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	delete(m.logs, jobID)
	return nil
}

func (m *memStore) ListStuckRunning(context.Context, time.Time) ([]models.Job, error) {
	return nil, nil
}

func (m *memStore) FindLock(_ context.Context, projectID int64, branch, lockType string) (models.AnalysisLock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[lockResource(projectID, branch, lockType)]
	return lock, ok, nil
}

func (m *memStore) InsertLock(_ context.Context, lock models.AnalysisLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := lockResource(lock.ProjectID, lock.Branch, lock.Type)
	if _, held := m.locks[res]; held {
		return false, nil
	}
	m.locks[res] = lock
	return true, nil
}

func (m *memStore) DeleteLockByKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res, lock := range m.locks {
		if lock.Key == key {
			delete(m.locks, res)
		}
	}
	return nil
}

func (m *memStore) DeleteLockIfExpired(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res, lock := range m.locks {
		if lock.ID == id && lock.Expired(time.Now().UTC()) {
			delete(m.locks, res)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ExtendLock(_ context.Context, key string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res, lock := range m.locks {
		if lock.Key == key {
			lock.ExpiresAt = until
			m.locks[res] = lock
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DeleteExpiredLocks(context.Context) (int64, error) { return 0, nil }

func (m *memStore) IncrementRateWindow(_ context.Context, projectID int64, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d/%d", projectID, windowStart.Unix())
	m.windows[key]++
	return m.windows[key], nil
}

func (m *memStore) RateWindowCount(_ context.Context, projectID int64, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[fmt.Sprintf("%d/%d", projectID, windowStart.Unix())], nil
}

func (m *memStore) DeleteRateWindowsBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func lockResource(projectID int64, branch, lockType string) string {
	return fmt.Sprintf("%d/%s/%s", projectID, branch, lockType)
}

type apiFixture struct {
	store    *memStore
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	server   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := zap.NewNop().Sugar()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	notifier := notify.New(client, log)

	st := newMemStore()
	reg := registry.New(st, notifier, log)
	locks := lockmgr.New(st, log, "test", time.Minute, time.Second, 10*time.Millisecond)
	limiter := ratelimit.New(st, log, 10, time.Minute, time.Hour)
	dd := dedup.New(30*time.Second, log)
	orch := orchestrator.New(dd, limiter, reg, locks, nil, log)

	srv := New(config.Config{}, reg, orch, notifier, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{store: st, registry: reg, orch: orch, server: ts}
}

func TestWebhookAcceptsNormalizedEvent(t *testing.T) {
	f := newAPIFixture(t)

	done := make(chan struct{})
	f.orch.RegisterHandler(models.TypeBranchAnalysis, orchestrator.HandlerFunc(
		func(context.Context, orchestrator.Event, orchestrator.ProgressFunc) (orchestrator.Result, error) {
			defer close(done)
			return orchestrator.Result{Message: "done"}, nil
		}))

	body := `{"project_id":7,"job_type":"branch_analysis","event_type":"push","branch":"main","commit_hash":"abc123"}`
	resp, err := http.Post(f.server.URL+"/webhooks/gitlab", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/webhooks/gitlab", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(f.server.URL+"/webhooks/gitlab", "application/json", strings.NewReader(`{"branch":"main"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestGetJobAndLogs(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job, err := f.registry.CreateBranchAnalysis(ctx, 7, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/jobs/" + job.ExternalID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.server.URL + "/jobs/" + job.ExternalID + "/logs")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	missing, err := http.Get(f.server.URL + "/jobs/job-nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestStreamDeliversBacklogThenLive(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job, err := f.registry.CreateBranchAnalysis(ctx, 7, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, f.registry.Start(ctx, job))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/jobs/" + job.ExternalID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Backlog: the init entry plus the start entry.
	var first, second map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	require.NoError(t, f.registry.AddLog(ctx, job, models.LevelInfo, "analyze", "scanning diff", nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var live map[string]any
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, "scanning diff", live["message"])

	// Completion closes the topic, which ends the stream.
	require.NoError(t, f.registry.Complete(ctx, job, nil))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestStreamClosesAfterBacklogForTerminalJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job, err := f.registry.CreateBranchAnalysis(ctx, 7, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, f.registry.Start(ctx, job))
	require.NoError(t, f.registry.Complete(ctx, job, nil))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/jobs/" + job.ExternalID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := 0
	for {
		var entry map[string]any
		if err := conn.ReadJSON(&entry); err != nil {
			break
		}
		got++
	}
	// init, start, completion entries were persisted before the dial.
	assert.GreaterOrEqual(t, got, 3)
}
