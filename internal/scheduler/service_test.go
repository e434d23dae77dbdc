package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "taskmill/pkg/logx"
)

// ---- fakes ----

type memStore struct {
	mu       sync.Mutex
	data     []byte
	saves    int
	failSave error
}

func (m *memStore) Load(context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, false, nil
	}
	return append([]byte(nil), m.data...), true, nil
}

func (m *memStore) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) setFailSave(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRuntime creates tasks and reports a scripted terminal state.
type fakeRuntime struct {
	mu        sync.Mutex
	created   int
	createErr error
	state     TaskState
	result    string
	resultErr error
}

func (f *fakeRuntime) CreateTask(context.Context, TaskSpec) (TaskRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return TaskRef{}, f.createErr
	}
	f.created++
	return TaskRef{ID: "task-1"}, nil
}

func (f *fakeRuntime) TaskStatus(context.Context, string) (TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeRuntime) TaskResultText(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.resultErr
}

// fakeDeliverer records deliveries and fails a scripted number of times.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []Delivery
	failures  int
}

func (f *fakeDeliverer) Deliver(_ context.Context, d Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("channel unavailable")
	}
	f.delivered = append(f.delivered, d)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeDeliverer) first() Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[0]
}

func (f *fakeDeliverer) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

// fixedNext always schedules one interval after now.
type fixedNext struct{ every time.Duration }

func (f fixedNext) NextRun(schedule string, now time.Time) (time.Time, bool, error) {
	if schedule == "invalid" {
		return time.Time{}, false, errors.New("bad schedule")
	}
	if schedule == "never" {
		return time.Time{}, false, nil
	}
	return now.Add(f.every), true, nil
}

type harness struct {
	svc   *Service
	store *memStore
	clock *fakeClock
	rt    *fakeRuntime
	del   *fakeDeliverer
}

func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	store := &memStore{}
	clock := newFakeClock()
	rt := &fakeRuntime{state: TaskState{Status: "completed", Terminal: TerminalCompleted, Summary: "done"}, result: "full result"}
	del := &fakeDeliverer{}

	cfg := Config{
		Enabled:            true,
		MaxConcurrentRuns:  3,
		DefaultTaskTimeout: time.Minute,
		PollInterval:       10 * time.Millisecond,
		HistorySize:        5,
		DrainInterval:      time.Hour, // drains are driven manually
		DeliveryRatePerSec: 1000,
	}
	if mut != nil {
		mut(&cfg)
	}

	svc := New(cfg, store, Deps{
		Runtime:   rt,
		NextRun:   fixedNext{every: time.Hour},
		Deliverer: del,
		Now:       clock.Now,
	}, logx.Nop(), nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return &harness{svc: svc, store: store, clock: clock, rt: rt, del: del}
}

func (h *harness) addJob(t *testing.T, mut func(*AddRequest)) Job {
	t.Helper()
	req := AddRequest{
		Name:        "nightly report",
		Enabled:     true,
		Schedule:    "0 3 * * *",
		WorkspaceID: "reports",
		Prompt:      "summarize yesterday",
	}
	if mut != nil {
		mut(&req)
	}
	j, err := h.svc.Add(context.Background(), req)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return j
}

// waitIdle waits until the job has finished n total runs and is no
// longer in flight.
func (h *harness) waitIdle(t *testing.T, id string, n int64) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.svc.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.TotalRuns >= n && j.RunningAtMS == 0 {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished %d runs", id, n)
	return Job{}
}

// ---- CRUD ----

func TestAddComputesNextRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	want := h.clock.Now().Add(time.Hour).UnixMilli()
	if j.NextRunAtMS != want {
		t.Fatalf("NextRunAtMS = %d, want %d", j.NextRunAtMS, want)
	}
	if h.store.saves == 0 {
		t.Fatal("Add did not persist")
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	tests := []struct {
		name string
		mut  func(*AddRequest)
	}{
		{"empty name", func(r *AddRequest) { r.Name = " " }},
		{"empty prompt", func(r *AddRequest) { r.Prompt = "" }},
		{"empty schedule", func(r *AddRequest) { r.Schedule = "" }},
		{"empty workspace", func(r *AddRequest) { r.WorkspaceID = "" }},
		{"invalid schedule", func(r *AddRequest) { r.Schedule = "invalid" }},
		{"delivery without channel", func(r *AddRequest) {
			r.Delivery = &DeliveryConfig{OnSuccess: true}
		}},
		{"delivery without triggers", func(r *AddRequest) {
			r.Delivery = &DeliveryConfig{ChannelType: "telegram", ChannelID: "42"}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := AddRequest{Name: "j", Enabled: true, Schedule: "1h", WorkspaceID: "w", Prompt: "p"}
			tt.mut(&req)
			if _, err := h.svc.Add(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAddRollsBackOnPersistFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.store.setFailSave(errors.New("disk full"))

	_, err := h.svc.Add(context.Background(), AddRequest{
		Name: "j", Enabled: true, Schedule: "1h", WorkspaceID: "w", Prompt: "p",
	})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if got := len(h.svc.List(true)); got != 0 {
		t.Fatalf("job visible after failed add: %d", got)
	}
}

func TestUpdatePatchesFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	name := "weekly report"
	enabled := false
	got, err := h.svc.Update(context.Background(), j.ID, Patch{Name: &name, Enabled: &enabled})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != name || got.Enabled {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.NextRunAtMS != 0 {
		t.Fatalf("disabled job kept NextRunAtMS = %d", got.NextRunAtMS)
	}
}

func TestListFiltersDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.addJob(t, func(r *AddRequest) { r.Name = "on" })
	h.addJob(t, func(r *AddRequest) { r.Name = "off"; r.Enabled = false })

	all := h.svc.List(true)
	if len(all) != 2 {
		t.Fatalf("List(true) = %d jobs, want 2", len(all))
	}
	if all[0].Name != "off" || all[1].Name != "on" {
		t.Fatalf("List not sorted by name: %q, %q", all[0].Name, all[1].Name)
	}

	enabled := h.svc.List(false)
	if len(enabled) != 1 || enabled[0].Name != "on" {
		t.Fatalf("List(false) = %+v, want only the enabled job", enabled)
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if _, err := h.svc.Update(context.Background(), "nope", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	if err := h.svc.Remove(context.Background(), j.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.svc.Get(j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after remove: %v", err)
	}
	if err := h.svc.Remove(context.Background(), j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

// ---- Run preconditions ----

func TestRunDueChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	if err := h.svc.Run(context.Background(), j.ID, RunModeDue); !errors.Is(err, ErrNotDue) {
		t.Fatalf("not-yet-due run: %v", err)
	}

	enabled := false
	if _, err := h.svc.Update(context.Background(), j.ID, Patch{Enabled: &enabled}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := h.svc.Run(context.Background(), j.ID, RunModeDue); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("disabled run: %v", err)
	}

	if err := h.svc.Run(context.Background(), "nope", RunModeForce); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown run: %v", err)
	}
}

func TestRunDueAfterDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	h.clock.Advance(2 * time.Hour)
	if err := h.svc.Run(context.Background(), j.ID, RunModeDue); err != nil {
		t.Fatalf("due run: %v", err)
	}
	h.waitIdle(t, j.ID, 1)
}

func TestRunRejectsWhileRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	// Non-terminal state keeps the run in flight until timeout.
	h.rt.mu.Lock()
	h.rt.state = TaskState{Status: "running"}
	h.rt.mu.Unlock()

	j := h.addJob(t, func(r *AddRequest) { r.Timeout = time.Hour })
	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("force run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.svc.Get(j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RunningAtMS != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never marked in flight")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second run: %v", err)
	}
	if _, err := h.svc.Update(context.Background(), j.ID, Patch{}); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("update while running: %v", err)
	}
	if err := h.svc.Remove(context.Background(), j.ID); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("remove while running: %v", err)
	}
}

func TestRunCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.MaxConcurrentRuns = 1 })
	h.rt.mu.Lock()
	h.rt.state = TaskState{Status: "running"}
	h.rt.mu.Unlock()

	a := h.addJob(t, func(r *AddRequest) { r.Name = "a"; r.Timeout = time.Hour })
	b := h.addJob(t, func(r *AddRequest) { r.Name = "b"; r.Timeout = time.Hour })

	if err := h.svc.Run(context.Background(), a.ID, RunModeForce); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := h.svc.Run(context.Background(), b.ID, RunModeForce); !errors.Is(err, ErrCapacity) {
		t.Fatalf("over-capacity run: %v", err)
	}
}

// ---- Execution outcomes ----

func TestRunRecordsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.waitIdle(t, j.ID, 1)

	if got.LastStatus != RunStatusOK {
		t.Fatalf("LastStatus = %s", got.LastStatus)
	}
	if got.SuccessfulRuns != 1 || got.FailedRuns != 0 {
		t.Fatalf("counters = %d/%d", got.SuccessfulRuns, got.FailedRuns)
	}
	if len(got.RunHistory) != 1 {
		t.Fatalf("history len = %d", len(got.RunHistory))
	}
	e := got.RunHistory[0]
	if e.Status != RunStatusOK || e.TaskID != "task-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.DeliverableStatus != DeliverableNone {
		t.Fatalf("no-delivery job got DeliverableStatus = %s", e.DeliverableStatus)
	}
}

func TestDeleteAfterRunKeepsFailedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.rt.mu.Lock()
	h.rt.createErr = errors.New("runtime down")
	h.rt.mu.Unlock()

	j := h.addJob(t, func(r *AddRequest) {
		r.Schedule = "never"
		r.DeleteAfterRun = true
	})
	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.waitIdle(t, j.ID, 1)

	if got.LastStatus != RunStatusError {
		t.Fatalf("LastStatus = %s", got.LastStatus)
	}
	if !got.DeleteAfterRun {
		t.Fatal("DeleteAfterRun flag lost")
	}
	// Still present and re-runnable after the failure.
	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("re-run after failed one-shot: %v", err)
	}
	h.waitIdle(t, j.ID, 2)
}

func TestRunRecordsCreateFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.rt.mu.Lock()
	h.rt.createErr = errors.New("runtime down")
	h.rt.mu.Unlock()

	j := h.addJob(t, nil)
	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.waitIdle(t, j.ID, 1)

	if got.LastStatus != RunStatusError {
		t.Fatalf("LastStatus = %s", got.LastStatus)
	}
	if got.FailedRuns != 1 {
		t.Fatalf("FailedRuns = %d", got.FailedRuns)
	}
}

func TestRunTimeoutWithBoundaryProbe(t *testing.T) {
	t.Parallel()

	t.Run("still running at deadline", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.rt.mu.Lock()
		h.rt.state = TaskState{Status: "running"}
		h.rt.mu.Unlock()

		j := h.addJob(t, func(r *AddRequest) { r.Timeout = 30 * time.Millisecond })
		if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
			t.Fatalf("Run: %v", err)
		}
		got := h.waitIdle(t, j.ID, 1)
		if got.LastStatus != RunStatusTimeout {
			t.Fatalf("LastStatus = %s, want timeout", got.LastStatus)
		}
	})

	t.Run("completed right at deadline", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *Config) { c.PollInterval = time.Hour })
		// First poll sees a running task; by the time the deadline probe
		// fires, it has completed.
		h.rt.mu.Lock()
		h.rt.state = TaskState{Status: "running"}
		h.rt.mu.Unlock()

		j := h.addJob(t, func(r *AddRequest) { r.Timeout = 50 * time.Millisecond })
		if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
			t.Fatalf("Run: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		h.rt.mu.Lock()
		h.rt.state = TaskState{Status: "completed", Terminal: TerminalCompleted}
		h.rt.mu.Unlock()

		got := h.waitIdle(t, j.ID, 1)
		if got.LastStatus != RunStatusOK {
			t.Fatalf("LastStatus = %s, want ok", got.LastStatus)
		}
	})
}

func TestHistoryCapped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HistorySize = 2 })
	j := h.addJob(t, nil)

	for i := 1; i <= 4; i++ {
		if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		h.waitIdle(t, j.ID, int64(i))
	}
	hist, err := h.svc.RunHistory(j.ID)
	if err != nil {
		t.Fatalf("RunHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].RunAtMS < hist[1].RunAtMS {
		t.Fatal("history not most-recent-first")
	}
}

func TestClearRunHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.waitIdle(t, j.ID, 1)

	if err := h.svc.ClearRunHistory(context.Background(), j.ID); err != nil {
		t.Fatalf("ClearRunHistory: %v", err)
	}
	got, _ := h.svc.Get(j.ID)
	if len(got.RunHistory) != 0 || got.TotalRuns != 0 {
		t.Fatalf("history survived clear: %+v", got)
	}
}

func TestDeleteAfterRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, func(r *AddRequest) {
		r.Schedule = "never" // one-shot whose instant has passed
		r.DeleteAfterRun = true
	})

	if err := h.svc.Run(context.Background(), j.ID, RunModeForce); err != nil {
		t.Fatalf("Run: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := h.svc.Get(j.ID); errors.Is(err, ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("one-shot job was not deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- State restore ----

func TestRestartRestoresJobsAndClearsStaleRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	j := h.addJob(t, nil)

	// Simulate a crash mid-run: persist with RunningAtMS set.
	h.svc.mu.Lock()
	jj, _ := h.svc.findLocked(j.ID)
	jj.RunningAtMS = h.clock.Now().UnixMilli()
	_ = h.svc.saveLocked(context.Background())
	h.svc.mu.Unlock()

	svc2 := New(Config{Enabled: true}, h.store, Deps{
		Runtime: h.rt,
		NextRun: fixedNext{every: time.Hour},
		Now:     h.clock.Now,
	}, logx.Nop(), nil)
	if err := svc2.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer svc2.Stop(context.Background())

	got, err := svc2.Get(j.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.RunningAtMS != 0 {
		t.Fatalf("stale RunningAtMS survived restart: %d", got.RunningAtMS)
	}
	if got.Name != j.Name {
		t.Fatalf("job not restored: %+v", got)
	}
}

func TestStatusSummary(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addJob(t, func(r *AddRequest) { r.Name = "a" })
	h.addJob(t, func(r *AddRequest) { r.Name = "b"; r.Enabled = false })

	sum := h.svc.Status()
	if sum.TotalJobs != 2 || sum.EnabledJobs != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.NextWakeAt.IsZero() {
		t.Fatal("NextWakeAt not set")
	}
}
