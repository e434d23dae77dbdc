package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "taskmill/pkg/logx"
)

// AddRequest carries the user-supplied fields of a new job.
type AddRequest struct {
	Name           string
	Description    string
	Enabled        bool
	DeleteAfterRun bool
	Schedule       string
	WorkspaceID    string
	TaskTitle      string
	Prompt         string
	Timeout        time.Duration
	Model          string
	HistoryLimit   int
	Delivery       *DeliveryConfig
}

// Patch updates a subset of a job's fields; nil pointers leave the field
// untouched. ClearDelivery removes the delivery config entirely.
type Patch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       *string
	WorkspaceID    *string
	TaskTitle      *string
	Prompt         *string
	Timeout        *time.Duration
	Model          *string
	HistoryLimit   *int
	Delivery       *DeliveryConfig
	ClearDelivery  bool
}

// List returns jobs ordered by name, as detached copies. Disabled jobs
// are included only when includeDisabled is set.
func (s *Service) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.state.Jobs))
	for _, j := range s.state.Jobs {
		if !j.Enabled && !includeDisabled {
			continue
		}
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Get returns a detached copy of one job.
func (s *Service) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.findLocked(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

// Add validates, persists, and schedules a new job. The job is not
// observable if persistence fails.
func (s *Service) Add(ctx context.Context, req AddRequest) (Job, error) {
	if err := validateRequest(req.Name, req.Prompt, req.Schedule, req.WorkspaceID); err != nil {
		return Job{}, err
	}
	if err := validateDelivery(req.Delivery); err != nil {
		return Job{}, err
	}

	j := &Job{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		Description:    strings.TrimSpace(req.Description),
		Enabled:        req.Enabled,
		DeleteAfterRun: req.DeleteAfterRun,
		Schedule:       strings.TrimSpace(req.Schedule),
		WorkspaceID:    strings.TrimSpace(req.WorkspaceID),
		TaskTitle:      strings.TrimSpace(req.TaskTitle),
		Prompt:         req.Prompt,
		TimeoutMS:      req.Timeout.Milliseconds(),
		Model:          strings.TrimSpace(req.Model),
		HistoryLimit:   req.HistoryLimit,
		Delivery:       req.Delivery,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, err := s.computeNextLocked(j, now); err != nil {
		return Job{}, err
	}
	if s.deps.Workspaces != nil {
		if _, err := s.deps.Workspaces.Resolve(ctx, WorkspaceRequest{Job: *j, Now: now, Phase: PhaseAdd}); err != nil {
			return Job{}, fmt.Errorf("workspace %q: %w", j.WorkspaceID, err)
		}
	}

	s.state.Jobs = append(s.state.Jobs, j)
	if err := s.saveLocked(ctx); err != nil {
		s.state.Jobs = s.state.Jobs[:len(s.state.Jobs)-1]
		return Job{}, err
	}
	s.armLocked()
	s.log.Info("job added", logx.String("job", j.Name), logx.String("id", j.ID), logx.String("schedule", j.Schedule))
	return j.clone(), nil
}

// Update applies a patch to a stopped job. Running jobs reject mutation.
func (s *Service) Update(ctx context.Context, id string, p Patch) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.findLocked(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.RunningAtMS != 0 {
		return Job{}, ErrJobRunning
	}

	prev := j.clone()
	applyPatch(j, p)
	if err := validateRequest(j.Name, j.Prompt, j.Schedule, j.WorkspaceID); err != nil {
		*j = prev
		return Job{}, err
	}
	if err := validateDelivery(j.Delivery); err != nil {
		*j = prev
		return Job{}, err
	}
	if p.Schedule != nil || p.Enabled != nil {
		if _, err := s.computeNextLocked(j, s.now()); err != nil {
			*j = prev
			return Job{}, err
		}
	}
	if p.WorkspaceID != nil && s.deps.Workspaces != nil {
		if _, err := s.deps.Workspaces.Resolve(ctx, WorkspaceRequest{Job: *j, Now: s.now(), Phase: PhaseAdd}); err != nil {
			*j = prev
			return Job{}, fmt.Errorf("workspace %q: %w", j.WorkspaceID, err)
		}
	}

	if err := s.saveLocked(ctx); err != nil {
		*j = prev
		return Job{}, err
	}
	s.armLocked()
	s.log.Info("job updated", logx.String("job", j.Name), logx.String("id", j.ID))
	return j.clone(), nil
}

// Remove deletes a stopped job and drops its still-queued deliveries.
// Already-sent and dead-lettered outbox entries are kept for audit.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, j := range s.state.Jobs {
		if j.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	j := s.state.Jobs[idx]
	if j.RunningAtMS != 0 {
		return ErrJobRunning
	}

	prevJobs := s.state.Jobs
	prevOutbox := s.state.Outbox
	s.state.Jobs = append(append([]*Job(nil), prevJobs[:idx]...), prevJobs[idx+1:]...)
	kept := make([]*OutboxEntry, 0, len(prevOutbox))
	for _, e := range prevOutbox {
		if e.JobID == id && e.State == OutboxQueued {
			continue
		}
		kept = append(kept, e)
	}
	s.state.Outbox = kept

	if err := s.saveLocked(ctx); err != nil {
		s.state.Jobs = prevJobs
		s.state.Outbox = prevOutbox
		return err
	}
	s.armLocked()
	s.log.Info("job removed", logx.String("job", j.Name), logx.String("id", j.ID))
	return nil
}

// Run triggers one execution. In due mode the job must be enabled and at
// or past its next-run instant; force mode bypasses both checks. Both
// modes respect the per-job in-flight mutex and the global run ceiling.
func (s *Service) Run(ctx context.Context, id string, mode RunMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.startedLocked() {
		return ErrStopped
	}

	j, ok := s.findLocked(id)
	if !ok {
		return ErrNotFound
	}
	if j.RunningAtMS != 0 {
		return ErrJobRunning
	}
	if mode != RunModeForce {
		if !j.Enabled {
			return ErrJobDisabled
		}
		if j.NextRunAtMS == 0 || s.now().UnixMilli() < j.NextRunAtMS {
			return ErrNotDue
		}
	}
	if len(s.running) >= s.cfg.MaxConcurrentRuns {
		return ErrCapacity
	}

	s.startRunLocked(j)
	return nil
}

// RunHistory returns a job's recent executions, most recent first.
func (s *Service) RunHistory(id string) ([]RunHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.findLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]RunHistoryEntry(nil), j.RunHistory...), nil
}

// ClearRunHistory drops a job's execution records and lifetime counters.
func (s *Service) ClearRunHistory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.findLocked(id)
	if !ok {
		return ErrNotFound
	}
	prev := j.clone()
	j.RunHistory = nil
	j.TotalRuns = 0
	j.SuccessfulRuns = 0
	j.FailedRuns = 0
	if err := s.saveLocked(ctx); err != nil {
		*j = prev
		return err
	}
	return nil
}

// computeNextLocked refreshes j.NextRunAtMS from its schedule. A
// disabled job keeps NextRunAtMS zero. ok=false from the calculator
// (a one-shot instant already in the past) leaves it zero as well.
func (s *Service) computeNextLocked(j *Job, now time.Time) (time.Time, error) {
	j.NextRunAtMS = 0
	next, ok, err := s.deps.NextRun.NextRun(j.Schedule, now.In(s.location()))
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %q: %w", j.Schedule, err)
	}
	if !ok || !j.Enabled {
		return time.Time{}, nil
	}
	j.NextRunAtMS = next.UnixMilli()
	return next, nil
}

func validateRequest(name, prompt, schedule, workspaceID string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt required")
	}
	if strings.TrimSpace(schedule) == "" {
		return errors.New("schedule required")
	}
	if strings.TrimSpace(workspaceID) == "" {
		return errors.New("workspace required")
	}
	return nil
}

func validateDelivery(d *DeliveryConfig) error {
	if d == nil {
		return nil
	}
	if strings.TrimSpace(d.ChannelType) == "" || strings.TrimSpace(d.ChannelID) == "" {
		return errors.New("delivery channel type and id required")
	}
	if !d.OnSuccess && !d.OnError {
		return errors.New("delivery must enable on_success or on_error")
	}
	return nil
}

func applyPatch(j *Job, p Patch) {
	if p.Name != nil {
		j.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		j.Description = strings.TrimSpace(*p.Description)
	}
	if p.Enabled != nil {
		j.Enabled = *p.Enabled
	}
	if p.DeleteAfterRun != nil {
		j.DeleteAfterRun = *p.DeleteAfterRun
	}
	if p.Schedule != nil {
		j.Schedule = strings.TrimSpace(*p.Schedule)
	}
	if p.WorkspaceID != nil {
		j.WorkspaceID = strings.TrimSpace(*p.WorkspaceID)
	}
	if p.TaskTitle != nil {
		j.TaskTitle = strings.TrimSpace(*p.TaskTitle)
	}
	if p.Prompt != nil {
		j.Prompt = *p.Prompt
	}
	if p.Timeout != nil {
		j.TimeoutMS = p.Timeout.Milliseconds()
	}
	if p.Model != nil {
		j.Model = strings.TrimSpace(*p.Model)
	}
	if p.HistoryLimit != nil {
		j.HistoryLimit = *p.HistoryLimit
	}
	if p.ClearDelivery {
		j.Delivery = nil
	} else if p.Delivery != nil {
		d := *p.Delivery
		j.Delivery = &d
	}
}
