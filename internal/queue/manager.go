// Package queue admits archival jobs and runs them with bounded concurrency, tracking each one from submission to a
// terminal state.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/internal/lpc"
	"github.com/alanbriolat/video-library/internal/pubsub"
	"github.com/alanbriolat/video-library/internal/sync_"
	"github.com/alanbriolat/video-library/util"
)

var (
	ErrInvalidURL      = util.ErrInvalidURL
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrClosed          = errors.New("queue closed")
)

// A Processor runs a dispatched job to a terminal state.
type Processor interface {
	Process(job *Job)
}

type ProcessorFunc func(job *Job)

func (f ProcessorFunc) Process(job *Job) {
	f(job)
}

type Config struct {
	MaxConcurrent int
	// How long terminal jobs stay visible before being pruned.
	FinishedGracePeriod time.Duration
	PruneInterval       time.Duration
	History             History
	// Clock, for tests.
	Now func() time.Time
}

var DefaultConfig = Config{
	MaxConcurrent:       32,
	FinishedGracePeriod: 5 * time.Minute,
	PruneInterval:       30 * time.Second,
	History:             NilHistory{},
	Now:                 time.Now,
}

type jobsByID = map[JobID]*Job

type Manager struct {
	config    Config
	processor Processor
	ctx       context.Context
	ctxCancel context.CancelFunc
	log       *zap.SugaredLogger

	jobs   *sync_.RWMutexed[jobsByID]
	events pubsub.Publisher[Event]

	submitCommand chan *lpc.Command[*Job, JobID]
	cancelCommand chan *lpc.Command[JobID, bool]
	finished      chan *Job

	loopDone  chan struct{}
	workers   sync.WaitGroup
	history   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Manager and starts its dispatch loop. Jobs found in the history are restored; any that hadn't finished
// are marked as failed.
func New(ctx context.Context, config Config, processor Processor) (*Manager, error) {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig.MaxConcurrent
	}
	if config.FinishedGracePeriod <= 0 {
		config.FinishedGracePeriod = DefaultConfig.FinishedGracePeriod
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = DefaultConfig.PruneInterval
	}
	if config.History == nil {
		config.History = NilHistory{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		config:    config,
		processor: processor,
		ctx:       ctx,
		ctxCancel: cancel,
		log:       zap.S().Named("queue"),

		jobs:   sync_.NewRWMutexed(make(jobsByID)),
		events: pubsub.NewPublisher[Event](),

		submitCommand: make(chan *lpc.Command[*Job, JobID]),
		cancelCommand: make(chan *lpc.Command[JobID, bool]),
		finished:      make(chan *Job),
		loopDone:      make(chan struct{}),
	}

	if err := m.restore(); err != nil {
		cancel()
		m.events.Close()
		return nil, err
	}
	historyEvents := pubsub.NewChannel[Event](1024)
	if err := m.events.AddSubscriber(pubsub.NewFilteredSender[Event](historyEvents, persistable), true); err != nil {
		cancel()
		return nil, err
	}
	m.history.Add(1)
	go m.writeHistory(historyEvents)
	go m.run()
	return m, nil
}

func (m *Manager) restore() error {
	views, err := m.config.History.ListJobs()
	if err != nil {
		return err
	}
	now := m.config.Now()
	return m.jobs.Locked(func(jobs *jobsByID) error {
		for _, view := range views {
			if !view.Status.IsTerminal() {
				view.Status = StatusFailed
				view.Error = "interrupted"
				view.FinishedAt = &now
				view.Transitions = append(view.Transitions, Transition{Status: StatusFailed, At: now, Message: "interrupted"})
				view.Speed, view.ETA = 0, 0
				if err := m.config.History.WriteJob(&view); err != nil {
					return err
				}
			}
			(*jobs)[view.ID] = newJob(m.ctx, view, m.events.Send, m.config.Now)
		}
		m.log.Infof("restored %d jobs from history", len(views))
		return nil
	})
}

// Subscribe returns a stream of job events. Slow readers miss events rather than holding up jobs, so the stream is a
// supplement to Snapshot rather than a replacement.
func (m *Manager) Subscribe() (pubsub.ReceiverCloser[Event], error) {
	return m.events.SubscribeLossy(256)
}

// Submit validates url and queues a job for it, returning the job's ID. If a job for the same URL is still active,
// its ID is returned instead.
func (m *Manager) Submit(ctx context.Context, url string) (JobID, error) {
	parsed, err := util.ParseSourceURL(url)
	if err != nil {
		return "", err
	}
	now := m.config.Now()
	view := JobView{
		ID:          NewJobID(),
		SourceURL:   parsed.String(),
		Status:      StatusQueued,
		CreatedAt:   now,
		Transitions: []Transition{{Status: StatusQueued, At: now}},
	}
	job := newJob(m.ctx, view, m.events.Send, m.config.Now)
	return call(m, ctx, func(ctx context.Context) (JobID, error) {
		return lpc.Call(ctx, m.submitCommand, job)
	})
}

// Cancel stops a job. A queued job is cancelled immediately; a running one is signalled, and Cancel waits until it
// has stopped. A job that is committing or already finished can't be cancelled.
func (m *Manager) Cancel(ctx context.Context, id JobID) error {
	job := m.getJob(id)
	if job == nil {
		return ErrNotFound
	}
	wasQueued, err := call(m, ctx, func(ctx context.Context) (bool, error) {
		return lpc.Call(ctx, m.cancelCommand, id)
	})
	if err != nil || wasQueued {
		return err
	}
	if err := job.requestCancel(); err != nil {
		return err
	}
	select {
	case <-job.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the job reaches a terminal state, returning its final view.
func (m *Manager) Wait(ctx context.Context, id JobID) (JobView, error) {
	job := m.getJob(id)
	if job == nil {
		return JobView{}, ErrNotFound
	}
	select {
	case <-job.Done():
		return job.View(), nil
	case <-ctx.Done():
		return JobView{}, ctx.Err()
	}
}

func (m *Manager) Get(id JobID) (JobView, error) {
	job := m.getJob(id)
	if job == nil {
		return JobView{}, ErrNotFound
	}
	return job.View(), nil
}

// Snapshot returns a copy of every tracked job, oldest first.
func (m *Manager) Snapshot() []JobView {
	var jobs []*Job
	_ = m.jobs.RLocked(func(byID *jobsByID) error {
		jobs = make([]*Job, 0, len(*byID))
		for _, j := range *byID {
			jobs = append(jobs, j)
		}
		return nil
	})
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// ClearFinished forgets every terminal job, returning how many were removed.
func (m *Manager) ClearFinished() int {
	return m.removeFinished(m.config.Now())
}

// Close cancels every job and waits for the workers to stop. Queued jobs are cancelled, running ones are cancelled
// unless already committing, in which case the commit completes first.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.ctxCancel()
		<-m.loopDone
		m.workers.Wait()
		m.events.Close()
		m.history.Wait()
	})
}

func (m *Manager) getJob(id JobID) (job *Job) {
	_ = m.jobs.RLocked(func(jobs *jobsByID) error {
		job = (*jobs)[id]
		return nil
	})
	return job
}

// call runs f with a context that also ends when the Manager closes, so commands never wait on a stopped loop.
func call[T any](m *Manager, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()
	result, err := f(ctx)
	if err != nil && m.ctx.Err() != nil {
		var zero T
		return zero, ErrClosed
	}
	return result, err
}

func (m *Manager) removeFinished(finishedBefore time.Time) int {
	var removed []JobView
	_ = m.jobs.Locked(func(jobs *jobsByID) error {
		for id, job := range *jobs {
			view := job.View()
			if !view.Status.IsTerminal() || view.FinishedAt == nil || view.FinishedAt.After(finishedBefore) {
				continue
			}
			delete(*jobs, id)
			removed = append(removed, view)
		}
		return nil
	})
	for _, view := range removed {
		m.events.Send(JobRemoved{Job: view})
	}
	if len(removed) > 0 {
		m.log.Debugf("removed %d finished jobs", len(removed))
	}
	return len(removed)
}

// persistable drops progress reports, which would otherwise dominate history writes.
func persistable(event Event) bool {
	if e, ok := event.(JobUpdated); ok {
		return e.StatusChanged() || e.Old.Title != e.New.Title
	}
	return true
}

func (m *Manager) writeHistory(events pubsub.ReceiverCloser[Event]) {
	defer m.history.Done()
	log := m.log.Named("history")
	for event := range events.Receive() {
		var err error
		switch e := event.(type) {
		case JobAdded:
			err = m.config.History.WriteJob(&e.Job)
		case JobUpdated:
			err = m.config.History.WriteJob(&e.New)
		case JobRemoved:
			err = m.config.History.DeleteJob(e.Job.ID)
		}
		if err != nil {
			log.With("job_id", event.JobID()).Warnf("failed to write job history: %v", err)
		}
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)
	var pending []*Job
	active := 0
	activeByURL := make(map[string]*Job)
	ticker := time.NewTicker(m.config.PruneInterval)
	defer ticker.Stop()

	for {
		for active < m.config.MaxConcurrent && len(pending) > 0 {
			job := pending[0]
			pending = pending[1:]
			active++
			m.dispatch(job)
		}

		select {
		case <-m.ctx.Done():
			for _, job := range pending {
				job.cancelQueued()
			}
			return

		case cmd := <-m.submitCommand:
			job := cmd.Arg()
			if existing, ok := activeByURL[job.URL()]; ok && !existing.View().Status.IsTerminal() {
				generic.Unwrap_(cmd.Respond(existing.ID()))
				continue
			}
			_ = m.jobs.Locked(func(jobs *jobsByID) error {
				(*jobs)[job.ID()] = job
				return nil
			})
			activeByURL[job.URL()] = job
			pending = append(pending, job)
			m.log.With("job_id", job.ID(), "url", job.URL()).Infof("job queued")
			m.events.Send(JobAdded{Job: job.View()})
			generic.Unwrap_(cmd.Respond(job.ID()))

		case cmd := <-m.cancelCommand:
			id := cmd.Arg()
			wasQueued := false
			for i, job := range pending {
				if job.ID() == id {
					pending = append(pending[:i], pending[i+1:]...)
					job.cancelQueued()
					delete(activeByURL, job.URL())
					wasQueued = true
					break
				}
			}
			generic.Unwrap_(cmd.Respond(wasQueued))

		case job := <-m.finished:
			active--
			if activeByURL[job.URL()] == job {
				delete(activeByURL, job.URL())
			}

		case <-ticker.C:
			m.removeFinished(m.config.Now().Add(-m.config.FinishedGracePeriod))
		}
	}
}

func (m *Manager) dispatch(job *Job) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		log := m.log.With("job_id", job.ID())
		log.Debugf("dispatching job")
		m.processor.Process(job)
		if view := job.View(); !view.Status.IsTerminal() {
			log.Errorf("processor returned with job in status %v", view.Status)
			job.Fail(errors.New("processing ended unexpectedly"))
		}
		select {
		case m.finished <- job:
		case <-m.loopDone:
		}
	}()
}
