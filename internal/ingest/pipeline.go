// Package ingest uploads log files for server-side analysis. A Pipeline
// holds one slot: a new submission replaces the job in flight.
package ingest

import (
	"context"
	"errors"
	"io"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/logging"
	"github.com/nhle/incidentwatch/internal/metrics"
	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
)

// State is the progress of an ingestion job.
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StateAnalyzing State = "analyzing"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is succeeded or failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrSuperseded is returned by Job.Wait for a job replaced by a later
// submission before it finished.
var ErrSuperseded = errors.New("ingest: job superseded by a newer upload")

// Uploader sends a log for analysis. *api.Client satisfies it.
type Uploader interface {
	UploadLog(ctx context.Context, filename string, r io.Reader, sent func()) (api.AnalysisResult, error)
}

// Invalidator marks cached views stale. *refresh.Coordinator satisfies it.
type Invalidator interface {
	Invalidate(key refresh.Key) bool
}

// JobSnapshot is a point-in-time copy of a job.
type JobSnapshot struct {
	ID         string
	File       string
	State      State
	Result     api.AnalysisResult
	Err        error
	Superseded bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record converts a finished job into an upload history entry.
func (s JobSnapshot) Record(source string) model.UploadRecord {
	rec := model.UploadRecord{
		ID:         s.ID,
		File:       s.File,
		State:      string(s.State),
		Result:     s.Result.String(),
		Source:     source,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}

// Job is one upload. It is safe for concurrent use.
type Job struct {
	mu   gosync.Mutex
	snap JobSnapshot
	done chan struct{}
}

func newJob(file string) *Job {
	return &Job{
		snap: JobSnapshot{
			ID:        uuid.New().String(),
			File:      file,
			State:     StateUploading,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap.ID
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

// Done is closed once the job is terminal and its callback and
// invalidation (if any) have run.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its analysis result.
// A superseded job returns ErrSuperseded.
func (j *Job) Wait(ctx context.Context) (api.AnalysisResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
	}
	snap := j.Snapshot()
	if snap.Superseded {
		return nil, ErrSuperseded
	}
	return snap.Result, snap.Err
}

// Pipeline runs at most one live ingestion job.
type Pipeline struct {
	uploader Uploader
	cache    Invalidator
	maxBytes int64
	logger   logging.Logger

	mu      gosync.Mutex
	current *Job
	updates chan JobSnapshot
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithInvalidator sets the cache whose list key is invalidated after a
// successful analysis.
func WithInvalidator(inv Invalidator) Option {
	return func(p *Pipeline) { p.cache = inv }
}

// WithMaxFileBytes sets the upload limit. Zero or less disables it.
func WithMaxFileBytes(n int64) Option {
	return func(p *Pipeline) { p.maxBytes = n }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline returns an idle pipeline uploading through u.
func NewPipeline(u Uploader, opts ...Option) *Pipeline {
	p := &Pipeline{
		uploader: u,
		maxBytes: DefaultMaxFileBytes,
		logger:   logging.NewNopLogger(),
		updates:  make(chan JobSnapshot, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the live job's snapshot, or an idle snapshot before
// the first submission.
func (p *Pipeline) Current() JobSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return JobSnapshot{State: StateIdle}
	}
	return p.current.Snapshot()
}

// Updates delivers the live job's latest snapshot on every transition.
// Only the most recent undelivered snapshot is kept.
func (p *Pipeline) Updates() <-chan JobSnapshot { return p.updates }

// Submit starts uploading f, replacing any job in flight. onDone, when
// non-nil, runs exactly once with the analysis result if this job
// succeeds and has not been superseded. The upload runs under ctx.
func (p *Pipeline) Submit(ctx context.Context, f *File, onDone func(api.AnalysisResult)) (*Job, error) {
	if f == nil || f.Name == "" || f.open == nil {
		return nil, &NoFileError{}
	}
	if p.maxBytes > 0 && f.Size > p.maxBytes {
		return nil, &FileTooLargeError{Name: f.Name, Size: f.Size, Limit: p.maxBytes}
	}

	job := newJob(f.Name)

	p.mu.Lock()
	prev := p.current
	p.current = job
	p.publish(job.Snapshot())
	p.mu.Unlock()

	if prev != nil {
		p.logger.Info("upload superseded", "job", prev.ID(), "by", job.ID())
	}
	p.logger.Info("upload started", "job", job.ID(), "file", f.Name, "size", f.Size)

	go p.run(ctx, job, f, onDone)
	return job, nil
}

func (p *Pipeline) run(ctx context.Context, job *Job, f *File, onDone func(api.AnalysisResult)) {
	rc, err := f.open()
	if err != nil {
		p.complete(job, nil, err, onDone)
		return
	}
	defer rc.Close()

	var r io.Reader = rc
	if p.maxBytes > 0 {
		r = &limitReader{r: rc, name: f.Name, limit: p.maxBytes}
	}

	result, err := p.uploader.UploadLog(ctx, f.Name, r, func() {
		p.advance(job, StateAnalyzing)
	})
	p.complete(job, result, err, onDone)
}

// advance moves a live, non-terminal job to state.
func (p *Pipeline) advance(job *Job, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != job {
		return
	}
	job.mu.Lock()
	if job.snap.State.Terminal() {
		job.mu.Unlock()
		return
	}
	job.snap.State = state
	snap := job.snap
	job.mu.Unlock()

	p.publish(snap)
}

// complete records the job's outcome. Only the live job publishes,
// runs its callback and invalidates the list.
func (p *Pipeline) complete(job *Job, result api.AnalysisResult, err error, onDone func(api.AnalysisResult)) {
	p.mu.Lock()
	live := p.current == job

	job.mu.Lock()
	job.snap.FinishedAt = time.Now()
	job.snap.Superseded = !live
	if err != nil {
		job.snap.State = StateFailed
		job.snap.Err = err
	} else {
		job.snap.State = StateSucceeded
		job.snap.Result = result
	}
	snap := job.snap
	job.mu.Unlock()

	if live {
		p.publish(snap)
	}
	p.mu.Unlock()

	defer close(job.done)

	switch {
	case !live:
		metrics.IngestJobs.WithLabelValues("superseded").Inc()
		p.logger.Debug("ignoring superseded upload result", "job", snap.ID)
	case err != nil:
		metrics.IngestJobs.WithLabelValues(string(StateFailed)).Inc()
		p.logger.Warn("upload failed", "job", snap.ID, "file", snap.File, "err", err)
	default:
		metrics.IngestJobs.WithLabelValues(string(StateSucceeded)).Inc()
		p.logger.Info("upload analyzed", "job", snap.ID, "file", snap.File)
		if onDone != nil {
			onDone(result)
		}
		// Analysis may have created incidents server-side.
		if p.cache != nil {
			p.cache.Invalidate(refresh.ListKey())
		}
	}
}

// publish replaces any undelivered snapshot. Caller holds p.mu.
func (p *Pipeline) publish(snap JobSnapshot) {
	select {
	case <-p.updates:
	default:
	}
	select {
	case p.updates <- snap:
	default:
	}
}
