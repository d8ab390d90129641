package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/generic"
)

type JobID string

func NewJobID() JobID {
	return JobID(generic.Unwrap(uuid.NewRandom()).String())
}

type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusDownloading Status = "downloading"
	StatusRepairing   Status = "repairing"
	StatusCommitting  Status = "committing"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var statusOrder = map[Status]int{
	StatusQueued:      0,
	StatusResolving:   1,
	StatusDownloading: 2,
	StatusRepairing:   3,
	StatusCommitting:  4,
	StatusComplete:    5,
	StatusFailed:      5,
	StatusCancelled:   5,
}

var terminalStatuses = generic.NewSet(
	StatusComplete,
	StatusFailed,
	StatusCancelled,
)

// IsTerminal returns true if no further transitions can happen from this status.
func (s Status) IsTerminal() bool {
	return terminalStatuses.Contains(s)
}

// IsRunning returns true if a worker owns the job.
func (s Status) IsRunning() bool {
	return !s.IsTerminal() && s != StatusQueued
}

var errInvalidTransition = errors.New("invalid job status transition")

type Transition struct {
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// JobView is a copy of a job's state at some point in time.
type JobView struct {
	ID              JobID        `json:"id"`
	SourceURL       string       `json:"source_url"`
	Status          Status       `json:"status"`
	Progress        float64      `json:"progress"`
	Speed           float64      `json:"speed"`
	ETA             float64      `json:"eta"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	TotalBytes      int64        `json:"total_bytes"`
	Error           string       `json:"error,omitempty"`
	Title           string       `json:"title,omitempty"`
	Uploader        string       `json:"uploader,omitempty"`
	Platform        string       `json:"platform,omitempty"`
	RecordID        string       `json:"record_id,omitempty"`
	Duplicate       bool         `json:"duplicate"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	Transitions     []Transition `json:"transitions"`
}

func (v JobView) String() string {
	return fmt.Sprintf("Job{ID:%q, URL:%q, Status:%q}", v.ID, v.SourceURL, v.Status)
}

func (v JobView) clone() JobView {
	v.Transitions = append([]Transition(nil), v.Transitions...)
	if v.StartedAt != nil {
		t := *v.StartedAt
		v.StartedAt = &t
	}
	if v.FinishedAt != nil {
		t := *v.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

// A Job is one archival request. While queued it belongs to the Manager; once dispatched, the worker it was handed
// to is the only writer until it reaches a terminal state. Anyone may read it via View.
type Job struct {
	mu              sync.Mutex
	view            JobView
	cancelRequested bool

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	publish   func(Event) bool
	now       func() time.Time
}

func newJob(ctx context.Context, view JobView, publish func(Event) bool, now func() time.Time) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		view:      view,
		ctx:       ctx,
		ctxCancel: cancel,
		done:      make(chan struct{}),
		publish:   publish,
		now:       now,
	}
	if view.Status.IsTerminal() {
		cancel()
		close(j.done)
	}
	return j
}

func (j *Job) ID() JobID {
	return j.view.ID
}

func (j *Job) URL() string {
	return j.view.SourceURL
}

// Context is cancelled when cancellation of the job is requested or the Manager closes.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.view.clone()
}

func (j *Job) log() *zap.SugaredLogger {
	return zap.S().Named("job").With("job_id", j.view.ID)
}

// update applies f to the job state under the lock, then publishes the change if there was one. f returning an error
// leaves the state untouched.
func (j *Job) update(f func(v *JobView) error) error {
	j.mu.Lock()
	old := j.view.clone()
	next := j.view.clone()
	if err := f(&next); err != nil {
		j.mu.Unlock()
		return err
	}
	j.view = next
	terminal := !old.Status.IsTerminal() && next.Status.IsTerminal()
	if terminal {
		j.ctxCancel()
		close(j.done)
	}
	j.mu.Unlock()
	if j.publish != nil {
		j.publish(JobUpdated{Old: old, New: next.clone()})
	}
	return nil
}

func (j *Job) transition(v *JobView, status Status, message string) error {
	if v.Status.IsTerminal() || statusOrder[status] <= statusOrder[v.Status] {
		return fmt.Errorf("%w: %v -> %v", errInvalidTransition, v.Status, status)
	}
	now := j.now()
	if v.StartedAt == nil && status.IsRunning() {
		v.StartedAt = &now
	}
	if status.IsTerminal() {
		v.FinishedAt = &now
	}
	v.Status = status
	v.Transitions = append(v.Transitions, Transition{Status: status, At: now, Message: message})
	return nil
}

// Advance moves a running job forward to status. It fails with the context's error once cancellation has been
// requested, so a worker checks for cancellation between every step.
func (j *Job) Advance(status Status) error {
	if status.IsTerminal() || status == StatusCommitting {
		return fmt.Errorf("%w: use the dedicated method for %v", errInvalidTransition, status)
	}
	return j.update(func(v *JobView) error {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		return j.transition(v, status, "")
	})
}

// BeginCommit moves the job to committing, after which it can no longer be cancelled. If cancellation was requested
// first, the context's error is returned instead and the worker should clean up.
func (j *Job) BeginCommit() error {
	return j.update(func(v *JobView) error {
		if j.cancelRequested {
			return context.Canceled
		}
		if err := j.ctx.Err(); err != nil {
			return err
		}
		return j.transition(v, StatusCommitting, "")
	})
}

// SetInfo records what extraction found out about the video.
func (j *Job) SetInfo(title string, uploader string, platform string) {
	_ = j.update(func(v *JobView) error {
		v.Title = title
		v.Uploader = uploader
		v.Platform = platform
		return nil
	})
}

func (j *Job) SetProgress(p video_library.Progress) {
	_ = j.update(func(v *JobView) error {
		if v.Status.IsTerminal() {
			return errInvalidTransition
		}
		v.DownloadedBytes = p.Downloaded
		v.TotalBytes = p.Expected
		v.Progress = p.Fraction()
		v.Speed = p.Speed
		v.ETA = p.ETA.Seconds()
		return nil
	})
}

// Complete finishes the job with the record it produced. duplicate means the record already existed.
func (j *Job) Complete(recordID string, duplicate bool) {
	message := ""
	if duplicate {
		message = "already in library"
	}
	err := j.update(func(v *JobView) error {
		if err := j.transition(v, StatusComplete, message); err != nil {
			return err
		}
		v.RecordID = recordID
		v.Duplicate = duplicate
		if v.TotalBytes > 0 {
			v.DownloadedBytes = v.TotalBytes
		}
		v.Progress = 1
		v.Speed = 0
		v.ETA = 0
		return nil
	})
	if err != nil {
		j.log().Warnf("failed to complete: %v", err)
	}
}

// Fail finishes the job because of err. If err is due to the job's own cancellation, the job ends up cancelled
// rather than failed.
func (j *Job) Fail(err error) {
	updateErr := j.update(func(v *JobView) error {
		if j.isCancellation(err) {
			return j.transition(v, StatusCancelled, err.Error())
		}
		if err := j.transition(v, StatusFailed, err.Error()); err != nil {
			return err
		}
		v.Error = err.Error()
		return nil
	})
	if updateErr != nil {
		j.log().Warnf("failed to record failure %q: %v", err, updateErr)
	}
}

func (j *Job) isCancellation(err error) bool {
	return j.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// cancelQueued cancels a job that was never dispatched.
func (j *Job) cancelQueued() {
	_ = j.update(func(v *JobView) error {
		return j.transition(v, StatusCancelled, "cancelled while queued")
	})
}

// requestCancel asks a running job to stop. Once committing it is too late.
func (j *Job) requestCancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.view.Status.IsTerminal():
		return ErrAlreadyTerminal
	case j.view.Status == StatusCommitting:
		return fmt.Errorf("%w: commit in progress", ErrAlreadyTerminal)
	}
	j.cancelRequested = true
	j.ctxCancel()
	return nil
}
