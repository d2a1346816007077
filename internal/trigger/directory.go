package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow/relay/internal/session"
)

// StaticDirectory serves agents declared up front, typically from the
// config file. All entries belong to the given owner; callers with a
// different identity see nothing.
type StaticDirectory struct {
	ownerID string

	mu            sync.Mutex
	agents        map[string]Agent
	lastTriggered map[string]time.Time
}

func NewStaticDirectory(ownerID string, agents []Agent) *StaticDirectory {
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		a.OwnerID = ownerID
		byID[a.ID] = a
	}
	return &StaticDirectory{
		ownerID:       ownerID,
		agents:        byID,
		lastTriggered: make(map[string]time.Time),
	}
}

func (d *StaticDirectory) GetAgent(ctx context.Context, agentID, callerID string) (*Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.agents[agentID]
	if !ok || a.OwnerID != callerID {
		return nil, fmt.Errorf("agent %s: %w", agentID, session.ErrNotFound)
	}
	return &a, nil
}

func (d *StaticDirectory) TouchLastTriggered(ctx context.Context, agentID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTriggered[agentID] = at
	return nil
}
