package routing

import "sync"

// AvailabilityTable tracks which agents can take calls right now. It is
// shared by the routing and handoff layers and guarded by its own
// mutex.
type AvailabilityTable struct {
	mu     sync.RWMutex
	agents map[string]bool
}

// NewAvailabilityTable seeds the registry. Agents absent from the table
// are unavailable until marked otherwise.
func NewAvailabilityTable(initial map[string]bool) *AvailabilityTable {
	agents := make(map[string]bool, len(initial))
	for id, ok := range initial {
		agents[id] = ok
	}
	return &AvailabilityTable{agents: agents}
}

func (t *AvailabilityTable) SetAvailable(agentID string, available bool) {
	t.mu.Lock()
	t.agents[agentID] = available
	t.mu.Unlock()
}

func (t *AvailabilityTable) Available(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agents[agentID]
}
