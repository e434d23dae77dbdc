package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

// finalProbeBudget bounds the last status check taken when a run hits
// its poll deadline: a task that completed right at the boundary is
// still credited as a success.
const finalProbeBudget = 5 * time.Second

type runOutcome struct {
	status     RunStatus
	errText    string
	taskID     string
	resultText string

	workspaceID   string
	workspacePath string
}

// startRunLocked marks the job in flight, advances its next-run instant,
// and spawns the execution goroutine. Caller holds s.mu.
func (s *Service) startRunLocked(j *Job) {
	runAt := s.now()
	j.RunningAtMS = runAt.UnixMilli()
	s.running[j.ID] = j.RunningAtMS

	// Advance before the run so the wake timer never refires this instant.
	if _, err := s.computeNextLocked(j, runAt); err != nil {
		// Schedule was valid at add time; log and leave the job parked.
		s.log.Error("next-run computation failed", logx.String("job", j.Name), logx.Err(err))
	}
	s.persistLocked(s.runCtx)

	job := j.clone()
	ctx := s.runCtx
	s.wg.Add(1)
	go s.execute(ctx, job, runAt)
}

func (s *Service) execute(ctx context.Context, job Job, runAt time.Time) {
	defer s.wg.Done()

	var out runOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out.status = RunStatusError
				out.errText = fmt.Sprintf("panic: %v", r)
				s.log.Error("panic in job execution",
					logx.String("job", job.Name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		out = s.runTask(ctx, job, runAt)
	}()

	s.finishRun(ctx, job, runAt, out)
}

func (s *Service) runTask(ctx context.Context, job Job, runAt time.Time) runOutcome {
	var out runOutcome

	ws, err := s.resolveWorkspace(ctx, job, runAt)
	if err != nil {
		out.status = RunStatusError
		out.errText = "workspace: " + err.Error()
		return out
	}
	out.workspaceID = ws.WorkspaceID
	out.workspacePath = ws.WorkspacePath

	prompt, err := s.renderPrompt(ctx, job, runAt, ws)
	if err != nil {
		out.status = RunStatusError
		out.errText = "prompt: " + err.Error()
		return out
	}

	title := job.TaskTitle
	if title == "" {
		title = job.Name
	}
	ref, err := s.deps.Runtime.CreateTask(ctx, TaskSpec{
		Title:         title,
		Prompt:        prompt,
		WorkspaceID:   ws.WorkspaceID,
		WorkspacePath: ws.WorkspacePath,
		Model:         job.Model,
	})
	if err != nil {
		out.status = RunStatusError
		out.errText = "create task: " + err.Error()
		return out
	}
	out.taskID = ref.ID
	s.log.Info("task created", logx.String("job", job.Name), logx.String("task", ref.ID))

	poller, ok := s.deps.Runtime.(StatusPoller)
	if !ok {
		// Fire-and-forget runtime: creation is the whole run.
		out.status = RunStatusOK
		return out
	}

	state, timedOut := s.pollTask(ctx, poller, ref.ID, runAt, s.taskTimeout(job))
	switch {
	case timedOut:
		out.status = RunStatusTimeout
		out.errText = fmt.Sprintf("task %s did not finish within budget", ref.ID)
	case state.Terminal == TerminalCompleted:
		out.status = RunStatusOK
	case state.Terminal == TerminalPartial:
		out.status = RunStatusPartial
		out.errText = state.Error
	default:
		out.status = RunStatusError
		out.errText = state.Error
		if out.errText == "" {
			out.errText = "task failed (" + state.Status + ")"
		}
	}

	if out.status.successLike() {
		out.resultText = s.fetchResult(ctx, job, ref.ID, state)
	}
	return out
}

// pollTask watches a task until it reaches a terminal state or the
// budget elapses. At the deadline one extra probe decides: a task that
// just completed wins over the timeout classification.
func (s *Service) pollTask(ctx context.Context, poller StatusPoller, taskID string, runAt time.Time, budget time.Duration) (TaskState, bool) {
	deadline := runAt.Add(budget)
	tctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		state, err := poller.TaskStatus(tctx, taskID)
		if err == nil && state.Terminal != "" {
			return state, false
		}
		if err != nil && tctx.Err() == nil {
			// Transient poll failures are retried until the budget runs out.
			s.log.Warn("task status poll failed", logx.String("task", taskID), logx.Err(err))
		}

		select {
		case <-tctx.Done():
			if ctx.Err() != nil {
				// Service shutdown, not a task timeout.
				return TaskState{Status: "canceled", Terminal: TerminalFailed, Error: "run canceled during shutdown"}, false
			}
			pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), finalProbeBudget)
			state, err := poller.TaskStatus(pctx, taskID)
			pcancel()
			if err == nil && state.Terminal != "" {
				return state, false
			}
			return TaskState{}, true
		case <-ticker.C:
		}
	}
}

func (s *Service) fetchResult(ctx context.Context, job Job, taskID string, state TaskState) string {
	if job.Delivery == nil {
		return ""
	}
	if job.Delivery.SummaryOnly {
		return state.Summary
	}
	fetcher, ok := s.deps.Runtime.(ResultFetcher)
	if !ok {
		return state.Summary
	}
	text, err := fetcher.TaskResultText(ctx, taskID)
	if err != nil {
		s.log.Warn("result fetch failed, falling back to summary", logx.String("task", taskID), logx.Err(err))
		return state.Summary
	}
	return text
}

func (s *Service) resolveWorkspace(ctx context.Context, job Job, runAt time.Time) (*WorkspaceContext, error) {
	if s.deps.Workspaces == nil {
		return &WorkspaceContext{WorkspaceID: job.WorkspaceID}, nil
	}
	return s.deps.Workspaces.Resolve(ctx, WorkspaceRequest{Job: job, Now: runAt, Phase: PhaseRun})
}

// finishRun records the outcome, decides the delivery obligation, and
// performs post-run housekeeping (one-shot deletion, timer re-arm).
func (s *Service) finishRun(ctx context.Context, job Job, runAt time.Time, out runOutcome) {
	durMS := s.now().Sub(runAt).Milliseconds()
	if durMS < 0 {
		durMS = 0
	}

	entry := RunHistoryEntry{
		RunAtMS:       runAt.UnixMilli(),
		DurationMS:    durMS,
		Status:        out.status,
		Error:         out.errText,
		TaskID:        out.taskID,
		WorkspaceID:   out.workspaceID,
		WorkspacePath: out.workspacePath,
	}

	s.mu.Lock()
	j, ok := s.findLocked(job.ID)
	delete(s.running, job.ID)
	if !ok {
		// Removal is blocked while RunningAtMS is set, so this is a bug.
		s.mu.Unlock()
		s.log.Error("finished run for unknown job", logx.String("id", job.ID))
		return
	}
	j.RunningAtMS = 0
	j.LastRunAtMS = entry.RunAtMS
	j.LastDurationMS = durMS
	j.LastStatus = out.status
	j.LastError = out.errText
	j.LastTaskID = out.taskID
	j.TotalRuns++
	if out.status.successLike() {
		j.SuccessfulRuns++
	} else {
		j.FailedRuns++
	}

	wantDelivery := s.deliveryWanted(j, out)
	if wantDelivery {
		entry.DeliveryMode = DeliveryModeDirect
		entry.DeliverableStatus = DeliverableQueued
	} else {
		entry.DeliverableStatus = DeliverableNone
	}
	s.prependHistoryLocked(j, entry)
	s.persistLocked(ctx)

	delivery := s.buildDeliveryLocked(j, entry, out)
	jobName := j.Name
	// Failed one-shot runs keep the job around for inspection and re-run.
	deleteAfter := j.DeleteAfterRun && out.status.successLike()
	s.armLocked()
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: map[string]any{
		"job_id": job.ID, "job": jobName, "status": string(out.status), "task_id": out.taskID,
	}})
	s.log.Info("run finished",
		logx.String("job", jobName),
		logx.String("status", string(out.status)),
		logx.Int64("duration_ms", durMS),
		logx.Bool("deliver", wantDelivery))

	if wantDelivery {
		s.attemptDirect(ctx, job.ID, entry.RunAtMS, delivery)
	}
	if deleteAfter {
		s.deleteAfterRun(ctx, job.ID)
	}
}

func (s *Service) deliveryWanted(j *Job, out runOutcome) bool {
	d := j.Delivery
	if d == nil {
		return false
	}
	if out.status.successLike() {
		if !d.OnSuccess {
			return false
		}
		if d.OnlyIfResult && out.resultText == "" {
			return false
		}
		return true
	}
	return d.OnError
}

func (s *Service) buildDeliveryLocked(j *Job, entry RunHistoryEntry, out runOutcome) Delivery {
	if j.Delivery == nil {
		return Delivery{}
	}
	return Delivery{
		ChannelType:    j.Delivery.ChannelType,
		ChannelID:      j.Delivery.ChannelID,
		JobName:        j.Name,
		Status:         out.status,
		TaskID:         out.taskID,
		Error:          out.errText,
		ResultText:     out.resultText,
		SummaryOnly:    j.Delivery.SummaryOnly,
		IdempotencyKey: deliveryKey(j.ID, entry.RunAtMS, out.taskID, j.Delivery.ChannelType, j.Delivery.ChannelID),
	}
}

func (s *Service) prependHistoryLocked(j *Job, entry RunHistoryEntry) {
	limit := j.HistoryLimit
	if limit <= 0 {
		limit = s.cfg.HistorySize
	}
	j.RunHistory = append([]RunHistoryEntry{entry}, j.RunHistory...)
	if len(j.RunHistory) > limit {
		j.RunHistory = j.RunHistory[:limit]
	}
}

// deleteAfterRun removes a one-shot job once its bookkeeping is durable.
// Queued outbox entries survive the deletion; they carry everything the
// drain needs.
func (s *Service) deleteAfterRun(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.state.Jobs {
		if j.ID != id {
			continue
		}
		if j.RunningAtMS != 0 {
			return
		}
		s.state.Jobs = append(s.state.Jobs[:i], s.state.Jobs[i+1:]...)
		s.persistLocked(ctx)
		s.armLocked()
		s.log.Info("one-shot job deleted after run", logx.String("job", j.Name), logx.String("id", id))
		return
	}
}

func (s *Service) taskTimeout(job Job) time.Duration {
	if job.TimeoutMS > 0 {
		return time.Duration(job.TimeoutMS) * time.Millisecond
	}
	s.mu.Lock()
	d := s.cfg.DefaultTaskTimeout
	s.mu.Unlock()
	return d
}

func (s *Service) pollInterval() time.Duration {
	s.mu.Lock()
	d := s.cfg.PollInterval
	s.mu.Unlock()
	return d
}
