package storage

import (
	"sort"
	"sync"

	"github.com/nemanja-m/athenamp/internal/master/core"
)

type InMemoryProcessStore struct {
	mu        sync.RWMutex
	processes map[int]*core.Process
}

func NewInMemoryProcessStore() *InMemoryProcessStore {
	return &InMemoryProcessStore{
		processes: make(map[int]*core.Process),
	}
}

func (s *InMemoryProcessStore) AddProcess(p *core.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.PID] = clone(p)
	return nil
}

func (s *InMemoryProcessStore) UpdateProcess(p *core.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.processes[p.PID]; !exists {
		return core.ErrProcessNotFound
	}
	s.processes[p.PID] = clone(p)
	return nil
}

func (s *InMemoryProcessStore) GetProcessByPID(pid int) (*core.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.processes[pid]
	if !exists {
		return nil, core.ErrProcessNotFound
	}
	return clone(p), nil
}

// GetProcesses returns the matching processes ordered by group and index,
// paginated by the filter, together with the total number of matches.
func (s *InMemoryProcessStore) GetProcesses(filter core.ProcessFilter) ([]*core.Process, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*core.Process
	for _, p := range s.processes {
		if filter.Group != "" && p.Group != filter.Group {
			continue
		}
		if filter.State != nil && p.State != *filter.State {
			continue
		}
		matched = append(matched, clone(p))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Group != matched[j].Group {
			return matched[i].Group < matched[j].Group
		}
		return matched[i].Index < matched[j].Index
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*core.Process{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func clone(p *core.Process) *core.Process {
	c := *p
	if p.ExitedAt != nil {
		t := *p.ExitedAt
		c.ExitedAt = &t
	}
	return &c
}
