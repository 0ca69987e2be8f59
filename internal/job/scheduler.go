package job

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/scanning"
)

// DefaultWorkers bounds concurrent files, concurrent pages per file and
// concurrent model calls per job
const DefaultWorkers = 5

// Decomposer splits uploaded documents into page images
type Decomposer interface {
	Count(doc scanning.Document) int
	Decompose(ctx context.Context, doc scanning.Document) [][]byte
}

// Extractor turns one unit into a result, or nil after exhausting retries
type Extractor interface {
	Attempt(ctx context.Context, unit extraction.Unit, spec extraction.FieldSpec) *extraction.Result
}

// Scheduler fans a job's units out over nested bounded pools: files, then
// pages within a file. Every model call additionally takes a slot from a
// job-wide semaphore, so nesting never multiplies the number of in-flight
// calls beyond the worker count.
type Scheduler struct {
	extractor  Extractor
	decomposer Decomposer
	tracker    *Tracker
	workers    int
}

// NewScheduler creates a Scheduler with the given worker count
func NewScheduler(extractor Extractor, decomposer Decomposer, tracker *Tracker, workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		extractor:  extractor,
		decomposer: decomposer,
		tracker:    tracker,
		workers:    workers,
	}
}

// Run processes every document of job and returns once all units have
// been accounted for. docs must line up with job.Files.
func (s *Scheduler) Run(ctx context.Context, job *Job, docs []scanning.Document) {
	calls := semaphore.NewWeighted(int64(s.workers))

	var files errgroup.Group
	files.SetLimit(s.workers)
	for i, doc := range docs {
		counted := job.Files[i].Units
		files.Go(func() error {
			s.runFile(ctx, job, doc, counted, calls)
			return nil
		})
	}
	files.Wait()
}

func (s *Scheduler) runFile(ctx context.Context, job *Job, doc scanning.Document, counted int, calls *semaphore.Weighted) {
	pages := s.decompose(ctx, job, doc)

	// The tracker's total was fixed from the counts; reconcile any drift so
	// processed still lands exactly on total.
	switch {
	case len(pages) < counted:
		slog.Warn("Document produced fewer pages than counted",
			"job_id", job.ID, "file", doc.Name, "counted", counted, "pages", len(pages))
		s.advance(job.ID, counted-len(pages))
	case len(pages) > counted:
		slog.Warn("Document produced more pages than counted, ignoring extras",
			"job_id", job.ID, "file", doc.Name, "counted", counted, "pages", len(pages))
		pages = pages[:counted]
	}

	var group errgroup.Group
	group.SetLimit(s.workers)
	for i, page := range pages {
		unit := extraction.Unit{
			JobID:      job.ID,
			SourceFile: doc.Name,
			Page:       i + 1,
			Image:      page,
		}
		group.Go(func() error {
			s.runUnit(ctx, job, unit, calls)
			return nil
		})
	}
	group.Wait()
}

// decompose treats a panicking decomposer as a document with no pages
func (s *Scheduler) decompose(ctx context.Context, job *Job, doc scanning.Document) (pages [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Document decomposition panicked",
				"job_id", job.ID, "file", doc.Name, "panic", fmt.Sprint(r))
			pages = nil
		}
	}()
	return s.decomposer.Decompose(ctx, doc)
}

// runUnit counts the unit as processed exactly once, whatever happens
func (s *Scheduler) runUnit(ctx context.Context, job *Job, unit extraction.Unit, calls *semaphore.Weighted) {
	defer s.advance(job.ID, 1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unit extraction panicked",
				"job_id", job.ID, "file", unit.SourceFile, "page", unit.Page, "panic", fmt.Sprint(r))
		}
	}()

	if err := calls.Acquire(ctx, 1); err != nil {
		slog.Warn("Skipping unit", "job_id", job.ID, "file", unit.SourceFile, "page", unit.Page, "error", err)
		return
	}
	defer calls.Release(1)

	if result := s.extractor.Attempt(ctx, unit, job.Spec); result != nil {
		job.add(result)
		return
	}
	slog.Warn("Failed to extract unit", "job_id", job.ID, "file", unit.SourceFile, "page", unit.Page)
}

func (s *Scheduler) advance(id string, n int) {
	if err := s.tracker.Advance(id, n); err != nil {
		slog.Error("Failed to record progress", "job_id", id, "error", err)
	}
}
