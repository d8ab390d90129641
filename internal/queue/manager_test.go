package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanbriolat/video-library"
)

const testTimeout = 5 * time.Second

// runToCompletion walks a job through every stage, like a successful worker.
func runToCompletion(job *Job) {
	for _, status := range []Status{StatusResolving, StatusDownloading, StatusRepairing} {
		if statusOrder[status] <= statusOrder[job.View().Status] {
			continue
		}
		if err := job.Advance(status); err != nil {
			job.Fail(err)
			return
		}
	}
	job.SetProgress(video_library.Progress{Downloaded: 10, Expected: 10})
	if err := job.BeginCommit(); err != nil {
		job.Fail(err)
		return
	}
	job.Complete("record-"+string(job.ID()), false)
}

func newTestManager(t *testing.T, config Config, p Processor) *Manager {
	m, err := New(context.Background(), config, p)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func waitTerminal(t *testing.T, m *Manager, id JobID) JobView {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	view, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, view.Status.IsTerminal())
	return view
}

func submit(t *testing.T, m *Manager, url string) JobID {
	id, err := m.Submit(context.Background(), url)
	require.NoError(t, err)
	return id
}

func TestSubmit_InvalidURL(t *testing.T) {
	m := newTestManager(t, DefaultConfig, ProcessorFunc(runToCompletion))
	before := m.Snapshot()
	for _, url := range []string{"not a url", "", "ftp://example.com/v", "https://", "/relative/path"} {
		_, err := m.Submit(context.Background(), url)
		assert_.ErrorIs(t, err, ErrInvalidURL, url)
	}
	assert_.Equal(t, before, m.Snapshot())
	assert_.Empty(t, m.Snapshot())
}

func TestSubmit_EventuallyTerminal(t *testing.T) {
	assert := assert_.New(t)
	m := newTestManager(t, DefaultConfig, ProcessorFunc(runToCompletion))
	var ids []JobID
	for i := 0; i < 50; i++ {
		ids = append(ids, submit(t, m, fmt.Sprintf("https://example.com/v%d", i)))
	}
	for _, id := range ids {
		view := waitTerminal(t, m, id)
		assert.Equal(StatusComplete, view.Status)
		assert.Equal("record-"+string(id), view.RecordID)
		assert.Equal(1.0, view.Progress)
		var statuses []Status
		for _, tr := range view.Transitions {
			statuses = append(statuses, tr.Status)
		}
		assert.Equal([]Status{StatusQueued, StatusResolving, StatusDownloading, StatusRepairing, StatusCommitting, StatusComplete}, statuses)
		assert.NotNil(view.StartedAt)
		assert.NotNil(view.FinishedAt)
	}
	snapshot := m.Snapshot()
	require.Len(t, snapshot, 50)
	for i := range snapshot {
		assert.Equal(ids[i], snapshot[i].ID)
	}
}

func TestSubmit_SameURLWhileActive(t *testing.T) {
	assert := assert_.New(t)
	release := make(chan struct{})
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		<-release
		runToCompletion(job)
	}))

	first := submit(t, m, "https://example.com/v1")
	assert.Equal(first, submit(t, m, "https://example.com/v1"))
	assert.NotEqual(first, submit(t, m, "https://example.com/v2"))

	close(release)
	waitTerminal(t, m, first)
	second := submit(t, m, "https://example.com/v1")
	assert.NotEqual(first, second)
	waitTerminal(t, m, second)
}

func TestBoundedConcurrency(t *testing.T) {
	assert := assert_.New(t)
	const limit = 3
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	config := DefaultConfig
	config.MaxConcurrent = limit
	m := newTestManager(t, config, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		n := active.Add(1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		runToCompletion(job)
	}))

	var ids []JobID
	for i := 0; i < 10; i++ {
		ids = append(ids, submit(t, m, fmt.Sprintf("https://example.com/v%d", i)))
	}
	assert.Eventually(func() bool { return active.Load() == limit }, testTimeout, time.Millisecond)
	queued := 0
	for _, view := range m.Snapshot() {
		if view.Status == StatusQueued {
			queued++
		}
	}
	assert.Equal(10-limit, queued)

	close(release)
	for _, id := range ids {
		waitTerminal(t, m, id)
	}
	assert.Equal(int32(limit), maxActive.Load())
}

func TestDispatchIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	config := DefaultConfig
	config.MaxConcurrent = 1
	release := make(chan struct{})
	m := newTestManager(t, config, ProcessorFunc(func(job *Job) {
		<-release
		mu.Lock()
		order = append(order, job.URL())
		mu.Unlock()
		runToCompletion(job)
	}))

	var urls []string
	var ids []JobID
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://example.com/v%d", i)
		urls = append(urls, url)
		ids = append(ids, submit(t, m, url))
	}
	close(release)
	for _, id := range ids {
		waitTerminal(t, m, id)
	}
	assert_.Equal(t, urls, order)
}

func TestCancel_Queued(t *testing.T) {
	assert := assert_.New(t)
	config := DefaultConfig
	config.MaxConcurrent = 1
	release := make(chan struct{})
	var processed sync.Map
	m := newTestManager(t, config, ProcessorFunc(func(job *Job) {
		processed.Store(job.ID(), true)
		<-release
		runToCompletion(job)
	}))

	running := submit(t, m, "https://example.com/running")
	queued := submit(t, m, "https://example.com/queued")
	require.NoError(t, m.Cancel(context.Background(), queued))

	view, err := m.Get(queued)
	require.NoError(t, err)
	assert.Equal(StatusCancelled, view.Status)
	assert.Empty(view.Error)
	assert.ErrorIs(m.Cancel(context.Background(), queued), ErrAlreadyTerminal)

	close(release)
	waitTerminal(t, m, running)
	_, wasProcessed := processed.Load(queued)
	assert.False(wasProcessed)
}

func TestCancel_Running(t *testing.T) {
	assert := assert_.New(t)
	started := make(chan struct{})
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		require.NoError(t, job.Advance(StatusDownloading))
		close(started)
		<-job.Context().Done()
		job.Fail(fmt.Errorf("download interrupted: %w", job.Context().Err()))
	}))

	id := submit(t, m, "https://example.com/v1")
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, m.Cancel(ctx, id))

	// Cancel only returns once the worker has acknowledged
	view, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(StatusCancelled, view.Status)
	assert.Empty(view.Error)
}

func TestCancel_Committing(t *testing.T) {
	assert := assert_.New(t)
	committing := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		require.NoError(t, job.BeginCommit())
		close(committing)
		<-release
		job.Complete("record", false)
	}))

	id := submit(t, m, "https://example.com/v1")
	<-committing
	err := m.Cancel(context.Background(), id)
	assert.ErrorIs(err, ErrAlreadyTerminal)
	assert.Contains(err.Error(), "commit in progress")

	close(release)
	assert.Equal(StatusComplete, waitTerminal(t, m, id).Status)
}

func TestCancel_BeforeCommit(t *testing.T) {
	// A cancel that lands while the worker is finishing up must stop it reaching committing
	downloaded := make(chan struct{})
	var commitErr error
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		close(downloaded)
		<-job.Context().Done()
		if commitErr = job.BeginCommit(); commitErr != nil {
			job.Fail(commitErr)
			return
		}
		job.Complete("record", false)
	}))

	id := submit(t, m, "https://example.com/v1")
	<-downloaded
	require.NoError(t, m.Cancel(context.Background(), id))
	view := waitTerminal(t, m, id)
	assert_.Equal(t, StatusCancelled, view.Status)
	assert_.ErrorIs(t, commitErr, context.Canceled)
	assert_.Empty(t, view.RecordID)
}

func TestCancel_Errors(t *testing.T) {
	m := newTestManager(t, DefaultConfig, ProcessorFunc(runToCompletion))
	assert_.ErrorIs(t, m.Cancel(context.Background(), "missing"), ErrNotFound)
	id := submit(t, m, "https://example.com/v1")
	waitTerminal(t, m, id)
	assert_.ErrorIs(t, m.Cancel(context.Background(), id), ErrAlreadyTerminal)
	_, err := m.Get("missing")
	assert_.ErrorIs(t, err, ErrNotFound)
}

func TestFailure(t *testing.T) {
	assert := assert_.New(t)
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		job.Fail(errors.New("extraction failed: no such video"))
	}))
	view := waitTerminal(t, m, submit(t, m, "https://example.com/v1"))
	assert.Equal(StatusFailed, view.Status)
	assert.Equal("extraction failed: no such video", view.Error)
}

func TestProcessorMustFinishJob(t *testing.T) {
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		_ = job.Advance(StatusResolving)
	}))
	view := waitTerminal(t, m, submit(t, m, "https://example.com/v1"))
	assert_.Equal(t, StatusFailed, view.Status)
}

func TestInvalidTransitions(t *testing.T) {
	assert := assert_.New(t)
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		assert.NoError(job.Advance(StatusDownloading))
		assert.Error(job.Advance(StatusResolving))
		assert.Error(job.Advance(StatusDownloading))
		assert.Error(job.Advance(StatusComplete))
		runToCompletion(job)
	}))
	waitTerminal(t, m, submit(t, m, "https://example.com/v1"))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPruneFinished(t *testing.T) {
	assert := assert_.New(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	config := DefaultConfig
	config.Now = clock.Now
	config.PruneInterval = 5 * time.Millisecond
	config.FinishedGracePeriod = time.Minute
	release := make(chan struct{})
	m := newTestManager(t, config, ProcessorFunc(func(job *Job) {
		if job.URL() == "https://example.com/slow" {
			<-release
		}
		runToCompletion(job)
	}))
	events, err := m.Subscribe()
	require.NoError(t, err)
	defer events.Close()

	done := submit(t, m, "https://example.com/done")
	slow := submit(t, m, "https://example.com/slow")
	waitTerminal(t, m, done)

	// Still within the grace period
	time.Sleep(20 * time.Millisecond)
	assert.Len(m.Snapshot(), 2)

	clock.Advance(2 * time.Minute)
	assert.Eventually(func() bool { return len(m.Snapshot()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(slow, m.Snapshot()[0].ID)

	timeout := time.After(testTimeout)
	for removed := false; !removed; {
		select {
		case e := <-events.Receive():
			if r, ok := e.(JobRemoved); ok {
				assert.Equal(done, r.Job.ID)
				removed = true
			}
		case <-timeout:
			t.Fatal("no JobRemoved event")
		}
	}
	close(release)
	waitTerminal(t, m, slow)
}

func TestClearFinished(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, DefaultConfig, ProcessorFunc(func(job *Job) {
		if job.URL() == "https://example.com/slow" {
			<-release
		}
		runToCompletion(job)
	}))
	for i := 0; i < 3; i++ {
		waitTerminal(t, m, submit(t, m, fmt.Sprintf("https://example.com/v%d", i)))
	}
	slow := submit(t, m, "https://example.com/slow")

	assert_.Equal(t, 3, m.ClearFinished())
	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert_.Equal(t, slow, snapshot[0].ID)
	close(release)
}

type memHistory struct {
	mu   sync.Mutex
	jobs map[JobID]JobView
}

func newMemHistory(views ...JobView) *memHistory {
	h := &memHistory{jobs: make(map[JobID]JobView)}
	for _, v := range views {
		h.jobs[v.ID] = v
	}
	return h
}

func (h *memHistory) ListJobs() ([]JobView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var views []JobView
	for _, v := range h.jobs {
		views = append(views, v.clone())
	}
	return views, nil
}

func (h *memHistory) WriteJob(view *JobView) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs[view.ID] = view.clone()
	return nil
}

func (h *memHistory) DeleteJob(id JobID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobs, id)
	return nil
}

func (h *memHistory) get(id JobID) (JobView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.jobs[id]
	return v, ok
}

func TestHistory(t *testing.T) {
	assert := assert_.New(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := created.Add(time.Minute)
	history := newMemHistory(
		JobView{ID: "interrupted", SourceURL: "https://example.com/a", Status: StatusDownloading, CreatedAt: created},
		JobView{ID: "complete", SourceURL: "https://example.com/b", Status: StatusComplete, CreatedAt: created.Add(time.Second), FinishedAt: &finished, RecordID: "r1"},
	)
	config := DefaultConfig
	config.History = history
	m := newTestManager(t, config, ProcessorFunc(runToCompletion))

	interrupted, err := m.Get("interrupted")
	require.NoError(t, err)
	assert.Equal(StatusFailed, interrupted.Status)
	assert.Equal("interrupted", interrupted.Error)
	stored, _ := history.get("interrupted")
	assert.Equal(StatusFailed, stored.Status)

	complete, err := m.Get("complete")
	require.NoError(t, err)
	assert.Equal("r1", complete.RecordID)

	// New jobs are written through as they change status
	id := submit(t, m, "https://example.com/c")
	waitTerminal(t, m, id)
	assert.Eventually(func() bool {
		v, ok := history.get(id)
		return ok && v.Status == StatusComplete
	}, testTimeout, time.Millisecond)

	m.ClearFinished()
	assert.Eventually(func() bool {
		_, ok := history.get(id)
		return !ok
	}, testTimeout, time.Millisecond)
}

func TestClose(t *testing.T) {
	assert := assert_.New(t)
	config := DefaultConfig
	config.MaxConcurrent = 1
	started := make(chan struct{})
	m, err := New(context.Background(), config, ProcessorFunc(func(job *Job) {
		require.NoError(t, job.Advance(StatusResolving))
		close(started)
		<-job.Context().Done()
		job.Fail(job.Context().Err())
	}))
	require.NoError(t, err)

	running := submit(t, m, "https://example.com/running")
	queued := submit(t, m, "https://example.com/queued")
	<-started
	m.Close()

	for _, id := range []JobID{running, queued} {
		view, err := m.Get(id)
		require.NoError(t, err)
		assert.Equal(StatusCancelled, view.Status)
	}
	_, err = m.Submit(context.Background(), "https://example.com/late")
	assert.ErrorIs(err, ErrClosed)
	m.Close()
}
