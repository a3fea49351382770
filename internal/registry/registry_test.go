package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/notify"
	"analysis-orchestrator/internal/store"
)

// memJobStore mirrors the Postgres semantics under one mutex: monotonic
// terminal transitions and dense per-job log sequences.
type memJobStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*models.Job
	logs    map[int64][]models.JobLogEntry
	updated map[int64]time.Time

	failDelete bool
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:    make(map[int64]*models.Job),
		logs:    make(map[int64][]models.JobLogEntry),
		updated: make(map[int64]time.Time),
	}
}

func (s *memJobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	job := models.Job{
		ID:         s.nextID,
		ExternalID: fmt.Sprintf("job-%020d", s.nextID),
		ProjectID:  p.ProjectID,
		Type:       p.Type,
		Trigger:    p.Trigger,
		Status:     models.StatusPending,
		PRNumber:   p.PRNumber,
		CommitHash: p.CommitHash,
		Branch:     p.Branch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = &job
	s.updated[job.ID] = now
	return job, nil
}

func (s *memJobStore) GetJob(_ context.Context, id int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *job, nil
}

func (s *memJobStore) GetJobByExternalID(_ context.Context, externalID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ExternalID == externalID {
			return *job, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (s *memJobStore) TransitionJob(_ context.Context, id int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return false, nil
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	s.updated[id] = job.UpdatedAt
	return true, nil
}

func (s *memJobStore) UpdateJobProgress(_ context.Context, id int64, progress int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Progress = progress
		job.Step = step
		job.UpdatedAt = time.Now()
		s.updated[id] = job.UpdatedAt
	}
	return nil
}

func (s *memJobStore) SetJobResult(_ context.Context, id int64, analysisResultID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.AnalysisResultID = &analysisResultID
	}
	return nil
}

func (s *memJobStore) AppendJobLog(_ context.Context, jobID int64, level, step, message string, metadata map[string]any) (models.JobLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := models.JobLogEntry{
		JobID:    jobID,
		Seq:      len(s.logs[jobID]) + 1,
		Level:    level,
		Step:     step,
		Message:  message,
		Metadata: metadata,
		Recorded: time.Now(),
	}
	s.logs[jobID] = append(s.logs[jobID], entry)
	return entry, nil
}

func (s *memJobStore) ListJobLogs(_ context.Context, jobID int64) ([]models.JobLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobLogEntry, len(s.logs[jobID]))
	copy(out, s.logs[jobID])
	return out, nil
}

func (s *memJobStore) DeleteJobWithLogs(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return errors.New("delete rejected")
	}
	delete(s.jobs, jobID)
	delete(s.logs, jobID)
	return nil
}

func (s *memJobStore) ListStuckRunning(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for id, job := range s.jobs {
		if job.Status == models.StatusRunning && s.updated[id].Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *memJobStore) setUpdated(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[id] = at
}

// recordingNotifier captures published events and closed topics.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.LogEvent
	closed []string
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.LogEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) CloseTopic(externalID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, externalID)
}

func (n *recordingNotifier) closedTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.closed...)
}

func newTestRegistry() (*Registry, *memJobStore, *recordingNotifier) {
	st := newMemJobStore()
	nt := &recordingNotifier{}
	return New(st, nt, zap.NewNop().Sugar()), st, nt
}

func TestCreateStartsPendingWithInitLog(t *testing.T) {
	ctx := context.Background()
	reg, _, nt := newTestRegistry()

	job, err := reg.CreatePRAnalysis(ctx, 1, models.TriggerWebhook, 42, "abc123", "release/2.0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.NotEmpty(t, job.ExternalID)

	logs, err := reg.Logs(ctx, job)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].Seq)
	assert.Equal(t, "init", logs[0].Step)

	require.Len(t, nt.events, 1, "init log must reach live subscribers")
	assert.Equal(t, job.ExternalID, nt.events[0].JobID)
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	reg, st, nt := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)

	require.NoError(t, reg.Start(ctx, job))
	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusRunning, got.Status)

	resultID := int64(99)
	require.NoError(t, reg.Complete(ctx, job, &resultID))
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.AnalysisResultID)
	assert.EqualValues(t, 99, *got.AnalysisResultID)

	assert.Contains(t, nt.closedTopics(), job.ExternalID, "terminal state must tear down the topic")
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, job))
	require.NoError(t, reg.Complete(ctx, job, nil))

	assert.ErrorIs(t, reg.Start(ctx, job), ErrAlreadyTerminal)
	assert.ErrorIs(t, reg.Fail(ctx, job.ID, "late failure"), ErrAlreadyTerminal)

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status, "no transition out of a terminal state")
}

func TestPendingJobCanBeSkippedOrCancelled(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Skip(ctx, job, "nothing to analyze"))
	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusSkipped, got.Status)

	job2, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "def456", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Cancel(ctx, job2))
	got, _ = st.GetJob(ctx, job2.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestConcurrentLogWritersProduceDenseSequence(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, reg.AddLog(ctx, job, models.LevelDebug, "work", fmt.Sprintf("step %d", i), nil))
		}(i)
	}
	wg.Wait()

	logs, err := reg.Logs(ctx, job)
	require.NoError(t, err)
	require.Len(t, logs, writers+1) // +1 init line

	seqs := make([]int, len(logs))
	for i, l := range logs {
		seqs[i] = l.Seq
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		assert.Equal(t, i+1, seq, "sequence numbers must be 1..N with no gaps or duplicates")
	}
}

func TestFailRereadsFreshAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, job))

	// The caller holds a stale PENDING copy; Fail must not trust it.
	staleCopy := job
	staleCopy.Status = models.StatusPending
	_ = staleCopy

	require.NoError(t, reg.Fail(ctx, job.ID, "model invocation exploded"))

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status, "never left RUNNING")

	logs, err := reg.Logs(ctx, job)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, models.LevelError, last.Level)
	assert.Equal(t, "model invocation exploded", last.Message)
}

func TestDeleteIgnoredRemovesJobAndLogs(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry()

	job, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)

	require.NoError(t, reg.DeleteIgnored(ctx, job, "irrelevant event"))

	_, err = st.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	logs, _ := st.ListJobLogs(ctx, job.ID)
	assert.Empty(t, logs)
}

func TestFindAndFailStuckJobs(t *testing.T) {
	ctx := context.Background()
	reg, st, _ := newTestRegistry()

	stuck, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "abc123", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, stuck))
	st.setUpdated(stuck.ID, time.Now().Add(-3*time.Hour))

	fresh, err := reg.CreateBranchAnalysis(ctx, 1, models.TriggerWebhook, "def456", "main")
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, fresh))

	n, err := reg.FindAndFailStuckJobs(ctx, 2*time.Hour, "worker lost")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := st.GetJob(ctx, stuck.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	got, _ = st.GetJob(ctx, fresh.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
}
