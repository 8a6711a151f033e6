package scheduler

import "sync"

// slotManager enforces the per-agent and global concurrency caps. A slot
// must be acquired before a WP task is spawned and released when it
// completes.
type slotManager struct {
	mu        sync.Mutex
	global    int
	globalCap int
	perAgent  map[string]int
	agentCaps map[string]int
}

// newSlotManager builds a manager. globalCap <= 0 means unlimited; an agent
// missing from agentCaps defaults to 1.
func newSlotManager(globalCap int, agentCaps map[string]int) *slotManager {
	return &slotManager{
		globalCap: globalCap,
		perAgent:  make(map[string]int),
		agentCaps: agentCaps,
	}
}

func (s *slotManager) agentCap(agent string) int {
	if c, ok := s.agentCaps[agent]; ok && c > 0 {
		return c
	}
	return 1
}

// TryAcquire takes a slot for the agent, returning false when either cap is
// exhausted.
func (s *slotManager) TryAcquire(agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalCap > 0 && s.global >= s.globalCap {
		return false
	}
	if s.perAgent[agent] >= s.agentCap(agent) {
		return false
	}
	s.global++
	s.perAgent[agent]++
	return true
}

// Release returns a slot.
func (s *slotManager) Release(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global > 0 {
		s.global--
	}
	if s.perAgent[agent] > 0 {
		s.perAgent[agent]--
	}
}

// InFlight returns the number of held slots.
func (s *slotManager) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}
