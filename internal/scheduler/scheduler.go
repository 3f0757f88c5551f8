package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = time.Second

// Runner is the interface the scheduler uses to run workflows.
// Satisfied by *engine.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, nodes []schema.Node, edges []schema.Edge, opts engine.ExecuteOptions) (*schema.WorkflowExecutionState, error)
}

// Run outcomes recorded on a Job.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
	RunStatusDropped = "dropped"
)

// JobSpec describes a schedule to add.
type JobSpec struct {
	Name           string          `json:"name,omitempty"`
	CronExpression string          `json:"cron"`
	Workflow       schema.Workflow `json:"workflow"`
	StartNodeID    string          `json:"startNodeId,omitempty"`
	Trigger        map[string]any  `json:"trigger,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"`
}

// Job is a registered schedule and its last outcome.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	CronExpression string          `json:"cron"`
	Workflow       schema.Workflow `json:"workflow"`
	StartNodeID    string          `json:"startNodeId,omitempty"`
	Trigger        map[string]any  `json:"trigger,omitempty"`
	Enabled        bool            `json:"enabled"`
	CreatedAt      time.Time       `json:"createdAt"`
	NextRunAt      *time.Time      `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time      `json:"lastRunAt,omitempty"`
	LastRunStatus  string          `json:"lastRunStatus,omitempty"`
	LastRunID      string          `json:"lastRunId,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Runs           int             `json:"runs"`
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Workflow = schema.Workflow{
		Nodes: make([]schema.Node, len(j.Workflow.Nodes)),
		Edges: append([]schema.Edge(nil), j.Workflow.Edges...),
	}
	for i, n := range j.Workflow.Nodes {
		cp.Workflow.Nodes[i] = n.Clone()
	}
	cp.Trigger = schema.CloneMap(j.Trigger)
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		cp.NextRunAt = &t
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	return &cp
}

// Scheduler fires workflows on cron schedules.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*Job
}

// NewScheduler creates a new Scheduler. interval <= 0 selects
// DefaultTickInterval.
func NewScheduler(runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*Job),
	}
}

// Add validates spec and registers a new job.
func (s *Scheduler) Add(spec JobSpec) (*Job, error) {
	if len(spec.Workflow.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule workflow has no nodes")
	}
	now := s.now()
	next, err := s.CalculateNextRun(spec.CronExpression, now)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s", err.Error()).WithCause(err)
	}

	job := &Job{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		CronExpression: spec.CronExpression,
		Workflow:       spec.Workflow,
		StartNodeID:    spec.StartNodeID,
		Trigger:        spec.Trigger,
		Enabled:        !spec.Disabled,
		CreatedAt:      now,
		NextRunAt:      &next,
	}
	job = job.clone()

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()

	s.logger.Info("schedule added",
		slog.String("job_id", job.ID),
		slog.String("cron", job.CronExpression),
		slog.Time("next_run_at", next))
	return job.clone(), nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return notFound(id)
	}
	delete(s.jobs, id)
	s.logger.Info("schedule removed", slog.String("job_id", id))
	return nil
}

// Get returns a copy of a job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.clone(), nil
}

// List returns copies of all jobs, oldest first.
func (s *Scheduler) List() []*Job {
	s.jobsMu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.jobsMu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// SetEnabled pauses or resumes a job. Resuming recomputes the next run
// from now so missed fires are not replayed.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return notFound(id)
	}
	if enabled && !job.Enabled {
		next, err := s.CalculateNextRun(job.CronExpression, s.now())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	}
	job.Enabled = enabled
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job that is due. Jobs run one after another on
// the loop goroutine.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.jobsMu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			due = append(due, j.clone())
		}
	}
	s.jobsMu.Unlock()

	sort.Slice(due, func(a, b int) bool { return due[a].NextRunAt.Before(*due[b].NextRunAt) })
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job, now)
	}
}

// runJob executes one fire of a job and records its outcome.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	log := s.logger.With(slog.String("job_id", job.ID))
	log.Info("running scheduled workflow", slog.String("name", job.Name))

	trigger := schema.CloneMap(job.Trigger)
	if trigger == nil {
		trigger = make(map[string]any)
	}
	trigger["schedule"] = map[string]any{
		"id":          job.ID,
		"name":        job.Name,
		"cron":        job.CronExpression,
		"scheduledAt": job.NextRunAt.Format(time.RFC3339),
	}

	st, err := s.runner.Execute(ctx, job.Workflow.Nodes, job.Workflow.Edges,
		engine.ExecuteOptions{StartNodeID: job.StartNodeID, Trigger: trigger})

	status := RunStatusSuccess
	var runID, errMsg string
	if st != nil {
		runID = st.RunID
		if st.Status == schema.WorkflowStatusError {
			status = RunStatusError
			errMsg = st.Error
		}
	}
	switch {
	case errors.Is(err, schema.ErrAlreadyRunning):
		status = RunStatusDropped
		errMsg = err.Error()
		runID = ""
		log.Warn("scheduled fire dropped: a run is in progress")
	case err != nil:
		status = RunStatusError
		errMsg = err.Error()
		logging.LogWith(logging.WithRunID(ctx, runID), log).Error("scheduled workflow failed", slog.String("error", errMsg))
	case status == RunStatusError:
		logging.LogWith(logging.WithRunID(ctx, runID), log).Warn("scheduled workflow finished with errors", slog.String("error", errMsg))
	}

	next, nerr := s.CalculateNextRun(job.CronExpression, s.now())

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	stored.LastRunAt = &now
	stored.LastRunStatus = status
	stored.LastError = errMsg
	if status != RunStatusDropped {
		stored.LastRunID = runID
		stored.Runs++
	}
	if nerr != nil {
		log.Error("failed to compute next run; disabling schedule", slog.String("error", nerr.Error()))
		stored.Enabled = false
		stored.NextRunAt = nil
		return
	}
	stored.NextRunAt = &next
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for an in-progress
// tick to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func notFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
}
