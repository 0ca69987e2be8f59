package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/job"
	"github.com/zombor/invoice-extractor/internal/scanning"
)

var (
	// ErrTrialExhausted is returned when the trial allows no more invoices
	ErrTrialExhausted = errors.New("trial limit reached")

	// ErrNoActiveFields is returned when every schema field is disabled
	ErrNoActiveFields = errors.New("no active fields")

	// ErrInvalidField is returned for unusable field names
	ErrInvalidField = errors.New("invalid field")

	// ErrInvoiceNotFound is returned for a row outside a session's results
	ErrInvoiceNotFound = errors.New("invoice not found")
)

const (
	sourceFileColumn = "Source_File"
	pageNumberColumn = "Page_Number"
	rowIDColumn      = "row_id"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,99}$`)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles field administration, submissions and session reads
type Service struct {
	db         DB
	manager    *job.Manager
	tracker    *job.Tracker
	sessions   *job.SessionStore
	trial      Trial
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(db DB, manager *job.Manager, tracker *job.Tracker, sessions *job.SessionStore, trial Trial) *Service {
	return NewServiceWithDeps(db, manager, tracker, sessions, trial, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, manager *job.Manager, tracker *job.Tracker, sessions *job.SessionStore, trial Trial, timeSrc TimeSource) *Service {
	s := &Service{
		db:         db,
		manager:    manager,
		tracker:    tracker,
		sessions:   sessions,
		trial:      trial,
		timeSource: timeSrc,
	}
	manager.OnFinish(s.recordUsage)
	return s
}

// SeedDefaults fills an empty schema with the default invoice fields
func (s *Service) SeedDefaults() error {
	n, err := s.db.SeedFields(DefaultFields, s.timeSource.Now())
	if err != nil {
		return fmt.Errorf("seeding fields: %w", err)
	}
	if n > 0 {
		slog.Info("Seeded default fields", "count", n)
	}
	return nil
}

func validateFieldName(name string) error {
	switch {
	case !fieldNamePattern.MatchString(name):
		return fmt.Errorf("%w: name must start with a letter and contain only letters, digits and underscores", ErrInvalidField)
	case name == sourceFileColumn || name == pageNumberColumn || name == rowIDColumn:
		return fmt.Errorf("%w: %s is reserved", ErrInvalidField, name)
	}
	return nil
}

// ListFields returns the schema in order
func (s *Service) ListFields() ([]*Field, error) {
	fields, err := s.db.ListFields()
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	return fields, nil
}

// CreateField appends an active field to the schema
func (s *Service) CreateField(name, description string) (*Field, error) {
	name = strings.TrimSpace(name)
	if err := validateFieldName(name); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	field := &Field{
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateField(field); err != nil {
		return nil, fmt.Errorf("creating field: %w", err)
	}
	slog.Info("Field created", "field", name)
	return field, nil
}

// FieldUpdate carries the optional changes to a field
type FieldUpdate struct {
	Description *string `json:"description"`
	Active      *bool   `json:"is_active"`
}

// UpdateField changes a field's description or active flag
func (s *Service) UpdateField(name string, update FieldUpdate) (*Field, error) {
	field, err := s.db.GetField(name)
	if err != nil {
		return nil, fmt.Errorf("getting field: %w", err)
	}
	if update.Description != nil {
		field.Description = strings.TrimSpace(*update.Description)
	}
	if update.Active != nil {
		field.Active = *update.Active
	}
	field.UpdatedAt = s.timeSource.Now()

	if err := s.db.UpdateField(field); err != nil {
		return nil, fmt.Errorf("updating field: %w", err)
	}
	return field, nil
}

// DeleteField removes a field from the schema
func (s *Service) DeleteField(name string) error {
	if err := s.db.DeleteField(name); err != nil {
		return fmt.Errorf("deleting field: %w", err)
	}
	slog.Info("Field deleted", "field", name)
	return nil
}

// FieldSpec snapshots the active fields for a new job
func (s *Service) FieldSpec() (extraction.FieldSpec, error) {
	fields, err := s.db.ListFields()
	if err != nil {
		return extraction.FieldSpec{}, fmt.Errorf("listing fields: %w", err)
	}

	active := make([]extraction.Field, 0, len(fields))
	for _, f := range fields {
		if f.Active {
			active = append(active, extraction.Field{Name: f.Name, Description: f.Description})
		}
	}
	if len(active) == 0 {
		return extraction.FieldSpec{}, ErrNoActiveFields
	}
	return extraction.NewFieldSpec(active)
}

// Usage reports usage against the trial
func (s *Service) Usage() (*UsageReport, error) {
	now := s.timeSource.Now()
	usage, err := s.db.GetUsage(now)
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	return s.trial.Report(usage, now), nil
}

// recordUsage counts a finished job's invoices against the trial
func (s *Service) recordUsage(j *job.Job) {
	if j.Total == 0 {
		return
	}
	usage, err := s.db.AddUsage(j.Total, s.timeSource.Now())
	if err != nil {
		slog.Error("Failed to record usage", "job_id", j.ID, "error", err)
		return
	}
	slog.Info("Usage recorded", "job_id", j.ID, "invoices", j.Total, "total_calls", usage.TotalCalls)
}

// Submit starts extraction of the uploaded documents
func (s *Service) Submit(ctx context.Context, docs []scanning.Document) (*job.Job, error) {
	report, err := s.Usage()
	if err != nil {
		return nil, err
	}
	if report.IsLimitReached {
		return nil, ErrTrialExhausted
	}

	spec, err := s.FieldSpec()
	if err != nil {
		return nil, err
	}

	j, err := s.manager.Submit(ctx, docs, spec)
	if err != nil {
		return nil, fmt.Errorf("submitting job: %w", err)
	}
	return j, nil
}

// Progress returns a job's progress. Sessions that outlived their
// tracker entry, such as those restored from snapshots after a restart,
// report as completed.
func (s *Service) Progress(id string) (job.Progress, error) {
	progress, err := s.tracker.Get(id)
	if !errors.Is(err, job.ErrJobNotFound) {
		return progress, err
	}

	results, sessionErr := s.sessions.Get(id)
	if sessionErr != nil {
		return job.Progress{}, err
	}
	return job.Progress{
		Percentage: 100,
		Processed:  len(results),
		Total:      len(results),
		Message:    fmt.Sprintf("Extracted %d invoice(s)", len(results)),
		Status:     job.StatusCompleted,
		Completed:  true,
	}, nil
}

// Session is a finished job's results in display order
type Session struct {
	ID      string
	Columns []string
	Results []*extraction.Result
}

// GetSession loads a session's results sorted by file and page
func (s *Service) GetSession(id string) (*Session, error) {
	results, err := s.sessions.Get(id)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SourceFile != results[j].SourceFile {
			return results[i].SourceFile < results[j].SourceFile
		}
		return results[i].Page < results[j].Page
	})

	return &Session{ID: id, Columns: s.columns(results), Results: results}, nil
}

// columns lists the current schema's fields, then any field only the
// stored results know about
func (s *Service) columns(results []*extraction.Result) []string {
	var columns []string
	seen := make(map[string]bool)

	fields, err := s.db.ListFields()
	if err != nil {
		slog.Warn("Failed to list fields for columns", "error", err)
	}
	for _, f := range fields {
		if f.Active {
			columns = append(columns, f.Name)
			seen[f.Name] = true
		}
	}

	var extra []string
	for _, r := range results {
		for name := range r.Values {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	return append(columns, extra...)
}

// Rows renders the session as table rows without images or confidence
func (s *Session) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(s.Results))
	for i, r := range s.Results {
		rows = append(rows, s.row(i, r))
	}
	return rows
}

func (s *Session) row(i int, r *extraction.Result) map[string]any {
	row := map[string]any{
		rowIDColumn:      i,
		sourceFileColumn: r.SourceFile,
		pageNumberColumn: r.Page,
	}
	for _, name := range s.Columns {
		row[name] = r.Values[name]
	}
	return row
}

// Invoice returns one row of the session
func (s *Session) Invoice(row int) (*extraction.Result, error) {
	if row < 0 || row >= len(s.Results) {
		return nil, fmt.Errorf("%w: row %d", ErrInvoiceNotFound, row)
	}
	return s.Results[row], nil
}
