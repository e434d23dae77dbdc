package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	logx "taskmill/pkg/logx"
)

// loadLocked reads the persisted record into memory. A missing record
// starts an empty store; a corrupt one is a hard error so we never
// silently truncate a user's job list.
func (s *Service) loadLocked(ctx context.Context) error {
	data, ok, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load job store: %w", err)
	}
	if !ok {
		s.state = &State{Version: storeVersion}
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode job store: %w", err)
	}
	if st.Version == 0 {
		st.Version = storeVersion
	}
	if st.Version > storeVersion {
		return fmt.Errorf("job store version %d is newer than supported %d", st.Version, storeVersion)
	}
	s.state = &st
	return nil
}

// saveLocked serializes and atomically replaces the persisted record.
func (s *Service) saveLocked(ctx context.Context) error {
	s.state.Version = storeVersion
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	if err := s.store.Save(ctx, data); err != nil {
		return fmt.Errorf("save job store: %w", err)
	}
	return nil
}

// persistLocked is the best-effort variant used by execution and outbox
// bookkeeping: a storage failure must not lose the in-memory progress,
// so it only logs.
func (s *Service) persistLocked(ctx context.Context) {
	if err := s.saveLocked(ctx); err != nil {
		s.log.Error("persist failed, in-memory state retained", logx.Err(err))
	}
}

func (s *Service) findLocked(id string) (*Job, bool) {
	for _, j := range s.state.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

func (s *Service) findOutboxLocked(id string) (*OutboxEntry, bool) {
	for _, e := range s.state.Outbox {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}
