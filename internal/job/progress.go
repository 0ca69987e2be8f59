package job

import (
	"errors"
	"fmt"
	"sync"
)

// Baseline is the percentage reported once upload and page counting are done
const Baseline = 20

var (
	// ErrJobNotFound is returned when a job id has never been tracked
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when a finished job is finished again
	ErrJobFinished = errors.New("job already finished")
)

// Status is a job's lifecycle state
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is a snapshot of one job's state as seen by pollers
type Progress struct {
	Percentage int    `json:"percentage"`
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	Status     Status `json:"status"`
	Completed  bool   `json:"completed"`
	Error      string `json:"error,omitempty"`
}

func (p *Progress) finished() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// Tracker holds the progress of every job in the process
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*Progress
}

// NewTracker creates an empty Tracker
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Progress)}
}

// Create registers a job with total units at the baseline percentage
func (t *Tracker) Create(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &Progress{
		Percentage: Baseline,
		Total:      total,
		Message:    fmt.Sprintf("Queued %d invoice(s)", total),
		Status:     StatusCreated,
	}
}

// Start moves a created job to running
func (t *Tracker) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if p.finished() {
		return ErrJobFinished
	}
	p.Status = StatusRunning
	p.Message = fmt.Sprintf("Processing %d invoice(s)", p.Total)
	return nil
}

// Advance records n more processed units. The counter never passes the
// total and the percentage never decreases.
func (t *Tracker) Advance(id string, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if p.finished() {
		return ErrJobFinished
	}
	if n <= 0 {
		return nil
	}

	p.Processed = min(p.Processed+n, p.Total)
	if p.Total > 0 {
		p.Percentage = max(p.Percentage, Baseline+p.Processed*(100-Baseline)/p.Total)
	}
	p.Message = fmt.Sprintf("Processed %d of %d invoice(s)", p.Processed, p.Total)
	return nil
}

// Complete marks a job finished with extracted results
func (t *Tracker) Complete(id string, extracted int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if p.finished() {
		return ErrJobFinished
	}
	p.Status = StatusCompleted
	p.Completed = true
	p.Percentage = 100
	p.Message = fmt.Sprintf("Extracted %d of %d invoice(s)", extracted, p.Total)
	return nil
}

// Fail marks a job finished because the orchestration itself broke
func (t *Tracker) Fail(id string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if p.finished() {
		return ErrJobFinished
	}
	p.Status = StatusFailed
	p.Completed = true
	p.Message = "Processing failed"
	if cause != nil {
		p.Error = cause.Error()
	}
	return nil
}

// Get returns a copy of a job's progress
func (t *Tracker) Get(id string) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.jobs[id]
	if !ok {
		return Progress{}, ErrJobNotFound
	}
	return *p, nil
}

// Forget drops a job's progress; used by retention policies
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}
