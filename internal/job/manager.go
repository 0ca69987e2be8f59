package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/scanning"
)

var (
	// ErrNoDocuments is returned when a submission carries no files
	ErrNoDocuments = errors.New("no documents submitted")

	// ErrLimitExceeded is returned when a submission has too many invoices
	ErrLimitExceeded = errors.New("invoice limit exceeded")
)

// LimitError reports how far a submission went over the per-job limit
type LimitError struct {
	Limit     int
	Attempted int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("invoice limit exceeded. Maximum %d invoices allowed per session. You attempted to process %d invoices", e.Limit, e.Attempted)
}

// Is makes errors.Is(err, ErrLimitExceeded) match
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// IDGenerator generates unique job ids
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

// Config holds the manager's tunables
type Config struct {
	// Workers bounds both pool levels and in-flight model calls per job
	Workers int
	// MaxUnitsPerJob rejects larger submissions; 0 means unlimited
	MaxUnitsPerJob int
}

// Manager accepts submissions and drives each job to a final state
type Manager struct {
	scheduler  *Scheduler
	decomposer Decomposer
	tracker    *Tracker
	store      *SessionStore
	config     Config
	ids        IDGenerator

	mu       sync.Mutex
	onFinish []func(*Job)
	running  sync.WaitGroup
}

// NewManager creates a Manager generating UUID job ids
func NewManager(extractor Extractor, decomposer Decomposer, tracker *Tracker, store *SessionStore, cfg Config) *Manager {
	return NewManagerWithDeps(extractor, decomposer, tracker, store, cfg, uuidGenerator{})
}

// NewManagerWithDeps creates a Manager with a custom id generator for testing
func NewManagerWithDeps(extractor Extractor, decomposer Decomposer, tracker *Tracker, store *SessionStore, cfg Config, ids IDGenerator) *Manager {
	return &Manager{
		scheduler:  NewScheduler(extractor, decomposer, tracker, cfg.Workers),
		decomposer: decomposer,
		tracker:    tracker,
		store:      store,
		config:     cfg,
		ids:        ids,
	}
}

// OnFinish registers a callback run when a job completes successfully,
// before its progress reports completion
func (m *Manager) OnFinish(fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = append(m.onFinish, fn)
}

// Count returns the number of units each document will produce
func (m *Manager) Count(docs []scanning.Document) []FileUnits {
	files := make([]FileUnits, len(docs))
	for i, doc := range docs {
		files[i] = FileUnits{Name: doc.Name, Units: m.decomposer.Count(doc)}
	}
	return files
}

// Submit validates a submission, registers its progress and starts
// processing in the background. The returned job is already running; it
// is not tied to ctx's cancellation.
func (m *Manager) Submit(ctx context.Context, docs []scanning.Document, spec extraction.FieldSpec) (*Job, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	files := m.Count(docs)
	job := newJob(m.ids.Generate(), spec, files)
	if m.config.MaxUnitsPerJob > 0 && job.Total > m.config.MaxUnitsPerJob {
		return nil, &LimitError{Limit: m.config.MaxUnitsPerJob, Attempted: job.Total}
	}

	m.tracker.Create(job.ID, job.Total)
	slog.Info("Job submitted", "job_id", job.ID, "files", len(files), "units", job.Total, "fields", spec.Len())

	m.running.Add(1)
	go m.run(context.WithoutCancel(ctx), job, docs)
	return job, nil
}

// Wait blocks until every submitted job has finalized
func (m *Manager) Wait() {
	m.running.Wait()
}

func (m *Manager) run(ctx context.Context, job *Job, docs []scanning.Document) {
	defer m.running.Done()
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			m.fail(job, fmt.Errorf("processing job: %v", r))
		}
	}()

	if err := m.tracker.Start(job.ID); err != nil {
		m.fail(job, fmt.Errorf("starting job: %w", err))
		return
	}

	m.scheduler.Run(ctx, job, docs)

	results := job.Results()
	if err := m.store.Put(job.ID, results); err != nil {
		m.fail(job, fmt.Errorf("storing results: %w", err))
		return
	}

	job.finish(nil)
	m.notify(job)

	// Pollers see completion only after the callbacks have run
	if err := m.tracker.Complete(job.ID, len(results)); err != nil {
		slog.Error("Failed to complete job progress", "job_id", job.ID, "error", err)
	}
	slog.Info("Job completed", "job_id", job.ID, "units", job.Total, "results", len(results))
}

// notify runs the finish callbacks; a misbehaving callback cannot undo
// the job's completion
func (m *Manager) notify(job *Job) {
	m.mu.Lock()
	callbacks := slices.Clone(m.onFinish)
	m.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Job finish callback panicked", "job_id", job.ID, "panic", fmt.Sprint(r))
				}
			}()
			fn(job)
		}()
	}
}

// fail finalizes a job whose orchestration broke; results gathered so far
// stay on the job
func (m *Manager) fail(job *Job, err error) {
	slog.Error("Job failed", "job_id", job.ID, "error", err)
	job.finish(err)
	if trackErr := m.tracker.Fail(job.ID, err); trackErr != nil && !errors.Is(trackErr, ErrJobFinished) {
		slog.Error("Failed to record job failure", "job_id", job.ID, "error", trackErr)
	}
}
