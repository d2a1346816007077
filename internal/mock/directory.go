package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow/relay/internal/session"
	"github.com/agentflow/relay/internal/trigger"
)

// Directory is a stub agent directory for mock mode: one agent per demo
// script, all owned by the default local principal.
type Directory struct {
	mu            sync.Mutex
	agents        map[string]*trigger.Agent
	lastTriggered map[string]time.Time
}

// NewDirectory builds agents whose webhooks point at the engine serving at
// baseURL.
func NewDirectory(baseURL string, scripts map[string]Script) *Directory {
	if scripts == nil {
		scripts = DemoScripts()
	}
	agents := make(map[string]*trigger.Agent, len(scripts))
	for id := range scripts {
		agents[id] = &trigger.Agent{
			ID:         id,
			OwnerID:    "local",
			Name:       id,
			WebhookURL: fmt.Sprintf("%s/hooks/%s", baseURL, id),
		}
	}
	return &Directory{
		agents:        agents,
		lastTriggered: make(map[string]time.Time),
	}
}

func (d *Directory) GetAgent(ctx context.Context, agentID, callerID string) (*trigger.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.agents[agentID]
	if !ok || a.OwnerID != callerID {
		// Not owned reads the same as not existing; the directory never
		// confirms other people's agents.
		return nil, fmt.Errorf("agent %s: %w", agentID, session.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (d *Directory) TouchLastTriggered(ctx context.Context, agentID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTriggered[agentID] = at
	return nil
}
