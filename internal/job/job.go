package job

import (
	"sync"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// FileUnits is one submitted file and the number of units counted in it
type FileUnits struct {
	Name  string `json:"name"`
	Units int    `json:"units"`
}

// Job is one submission processed under a single id
type Job struct {
	ID    string
	Spec  extraction.FieldSpec
	Files []FileUnits
	Total int

	mu        sync.Mutex
	results   []*extraction.Result
	completed bool
	err       error
	done      chan struct{}
}

func newJob(id string, spec extraction.FieldSpec, files []FileUnits) *Job {
	total := 0
	for _, f := range files {
		total += f.Units
	}
	return &Job{
		ID:    id,
		Spec:  spec,
		Files: files,
		Total: total,
		done:  make(chan struct{}),
	}
}

// add appends a result in completion order
func (j *Job) add(r *extraction.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, r)
}

// finish records the terminal state
func (j *Job) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = true
	j.err = err
}

// Results returns the results accumulated so far in completion order
func (j *Job) Results() []*extraction.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*extraction.Result(nil), j.results...)
}

// Completed reports whether the job has finalized, successfully or not
func (j *Job) Completed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

// Err returns the orchestration error of a failed job
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job has finalized
func (j *Job) Done() <-chan struct{} {
	return j.done
}
