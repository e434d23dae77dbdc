package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

const (
	maxDeliveryAttempts = 6

	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
	// Jitter keeps retries from competing entries out of lockstep.
	backoffJitter = time.Second

	// Terminal entries kept per state for inspection before pruning.
	outboxRetain = 200
)

var errNoDeliverer = errors.New("no deliverer configured")

// deliveryKey derives the idempotency key for one (run, channel) pair.
// Stable across retries and across process restarts.
func deliveryKey(jobID string, runAtMS int64, taskID, channelType, channelID string) string {
	h := fnv.New64a()
	for _, part := range []string{jobID, strconv.FormatInt(runAtMS, 10), taskID, channelType, channelID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{'|'})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// backoffDelay is the wait before retry attempt+1, given that `attempt`
// attempts have failed: 5s, 10s, 20s, ... capped at 5m, plus jitter.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(backoffJitter)))
}

func (s *Service) deliver(ctx context.Context, d Delivery) error {
	if s.deps.Deliverer == nil {
		return errNoDeliverer
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.deps.Deliverer.Deliver(ctx, d)
}

// attemptDirect tries the synchronous delivery path once. Failure hands
// the obligation to the outbox with the direct try counted as attempt 1.
func (s *Service) attemptDirect(ctx context.Context, jobID string, runAtMS int64, d Delivery) {
	err := s.deliver(ctx, d)

	s.mu.Lock()
	if err == nil {
		s.patchHistoryLocked(jobID, runAtMS, func(e *RunHistoryEntry) {
			e.DeliveryMode = DeliveryModeDirect
			e.DeliveryAttempts = 1
			e.DeliverableStatus = DeliverableSent
			e.DeliveryError = ""
		})
		s.persistLocked(ctx)
		s.mu.Unlock()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: map[string]any{
			"job": d.JobName, "key": d.IdempotencyKey, "attempts": 1,
		}})
		s.log.Info("delivered", logx.String("job", d.JobName), logx.String("key", d.IdempotencyKey))
		return
	}

	if dup := s.hasDeliveryLocked(d.IdempotencyKey); dup {
		s.mu.Unlock()
		s.log.Warn("duplicate delivery suppressed", logx.String("key", d.IdempotencyKey))
		return
	}

	nowMS := s.now().UnixMilli()
	entry := &OutboxEntry{
		ID:              uuid.NewString(),
		JobID:           jobID,
		JobName:         d.JobName,
		RunAtMS:         runAtMS,
		TaskID:          d.TaskID,
		QueuedAtMS:      nowMS,
		NextAttemptAtMS: nowMS + backoffDelay(1).Milliseconds(),
		Attempts:        1,
		MaxAttempts:     maxDeliveryAttempts,
		ChannelType:     d.ChannelType,
		ChannelID:       d.ChannelID,
		Status:          d.Status,
		ResultText:      d.ResultText,
		ErrorText:       d.Error,
		SummaryOnly:     d.SummaryOnly,
		IdempotencyKey:  d.IdempotencyKey,
		State:           OutboxQueued,
		LastError:       err.Error(),
	}
	s.state.Outbox = append(s.state.Outbox, entry)
	s.patchHistoryLocked(jobID, runAtMS, func(e *RunHistoryEntry) {
		e.DeliveryMode = DeliveryModeOutbox
		e.DeliveryAttempts = 1
		e.DeliverableStatus = DeliverableQueued
		e.DeliveryError = err.Error()
	})
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Data: map[string]any{
		"job": d.JobName, "key": d.IdempotencyKey, "error": err.Error(),
	}})
	s.log.Warn("direct delivery failed, queued for retry",
		logx.String("job", d.JobName),
		logx.String("key", d.IdempotencyKey),
		logx.Err(err))
}

// hasDeliveryLocked reports whether key already has a live (queued or
// sent) outbox entry.
func (s *Service) hasDeliveryLocked(key string) bool {
	for _, e := range s.state.Outbox {
		if e.IdempotencyKey == key && (e.State == OutboxQueued || e.State == OutboxSent) {
			return true
		}
	}
	return false
}

func (s *Service) drainLoop(ctx context.Context, stopCh <-chan struct{}, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.DrainOutbox(ctx)
		}
	}
}

// DrainOutbox retries due queued deliveries, oldest first, up to the
// batch cap. Safe to call concurrently; overlapping drains collapse to
// one.
func (s *Service) DrainOutbox(ctx context.Context) {
	if !s.drainBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.drainBusy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in outbox drain", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	nowMS := s.now().UnixMilli()
	batch := s.cfg.DrainBatchSize
	var due []OutboxEntry
	for _, e := range s.state.Outbox {
		if e.State == OutboxQueued && e.NextAttemptAtMS <= nowMS {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttemptAtMS < due[k].NextAttemptAtMS })
	if len(due) > batch {
		due = due[:batch]
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.log.Debug("draining outbox", logx.Int("due", len(due)))

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.drainOne(ctx, due[i])
	}

	s.mu.Lock()
	s.pruneOutboxLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()
}

func (s *Service) drainOne(ctx context.Context, snap OutboxEntry) {
	err := s.deliver(ctx, Delivery{
		ChannelType:    snap.ChannelType,
		ChannelID:      snap.ChannelID,
		JobName:        snap.JobName,
		Status:         snap.Status,
		TaskID:         snap.TaskID,
		Error:          snap.ErrorText,
		ResultText:     snap.ResultText,
		SummaryOnly:    snap.SummaryOnly,
		IdempotencyKey: snap.IdempotencyKey,
	})

	s.mu.Lock()
	e, ok := s.findOutboxLocked(snap.ID)
	if !ok || e.State != OutboxQueued {
		s.mu.Unlock()
		return
	}
	e.Attempts++
	nowMS := s.now().UnixMilli()

	if err == nil {
		e.State = OutboxSent
		e.LastError = ""
		attempts := e.Attempts
		s.patchHistoryLocked(e.JobID, e.RunAtMS, func(h *RunHistoryEntry) {
			h.DeliveryAttempts = attempts
			h.DeliverableStatus = DeliverableSent
			h.DeliveryError = ""
		})
		s.mu.Unlock()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: map[string]any{
			"job": snap.JobName, "key": snap.IdempotencyKey, "attempts": attempts,
		}})
		s.log.Info("delivered after retry",
			logx.String("job", snap.JobName),
			logx.String("key", snap.IdempotencyKey),
			logx.Int("attempts", attempts))
		return
	}

	e.LastError = err.Error()
	if e.Attempts >= e.MaxAttempts {
		e.State = OutboxDeadLetter
		attempts := e.Attempts
		s.patchHistoryLocked(e.JobID, e.RunAtMS, func(h *RunHistoryEntry) {
			h.DeliveryAttempts = attempts
			h.DeliverableStatus = DeliverableDeadLetter
			h.DeliveryError = err.Error()
		})
		s.mu.Unlock()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryDeadLetter, Data: map[string]any{
			"job": snap.JobName, "key": snap.IdempotencyKey, "error": err.Error(),
		}})
		s.log.Error("delivery dead-lettered",
			logx.String("job", snap.JobName),
			logx.String("key", snap.IdempotencyKey),
			logx.Int("attempts", attempts),
			logx.Err(err))
		return
	}

	e.NextAttemptAtMS = nowMS + backoffDelay(e.Attempts).Milliseconds()
	attempts := e.Attempts
	s.patchHistoryLocked(e.JobID, e.RunAtMS, func(h *RunHistoryEntry) {
		h.DeliveryAttempts = attempts
		h.DeliveryError = err.Error()
	})
	s.mu.Unlock()
	s.log.Warn("delivery retry failed",
		logx.String("job", snap.JobName),
		logx.String("key", snap.IdempotencyKey),
		logx.Int("attempts", attempts),
		logx.Err(err))
}

// pruneOutboxLocked caps terminal entries, dropping the oldest.
func (s *Service) pruneOutboxLocked() {
	for _, state := range []OutboxState{OutboxSent, OutboxDeadLetter} {
		n := 0
		for _, e := range s.state.Outbox {
			if e.State == state {
				n++
			}
		}
		drop := n - outboxRetain
		if drop <= 0 {
			continue
		}
		kept := s.state.Outbox[:0]
		for _, e := range s.state.Outbox {
			if drop > 0 && e.State == state {
				drop--
				continue
			}
			kept = append(kept, e)
		}
		s.state.Outbox = kept
	}
}

// Outbox returns detached copies of all outbox entries, queued first,
// then by queue time.
func (s *Service) Outbox() []OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxEntry, 0, len(s.state.Outbox))
	for _, e := range s.state.Outbox {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, k int) bool {
		if (out[i].State == OutboxQueued) != (out[k].State == OutboxQueued) {
			return out[i].State == OutboxQueued
		}
		return out[i].QueuedAtMS < out[k].QueuedAtMS
	})
	return out
}

func (s *Service) patchHistoryLocked(jobID string, runAtMS int64, fn func(*RunHistoryEntry)) {
	j, ok := s.findLocked(jobID)
	if !ok {
		// One-shot jobs are deleted after their final run; nothing to patch.
		return
	}
	for i := range j.RunHistory {
		if j.RunHistory[i].RunAtMS == runAtMS {
			fn(&j.RunHistory[i])
			return
		}
	}
}
