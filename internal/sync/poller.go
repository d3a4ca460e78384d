package sync

import (
	"context"
	gosync "sync"
)

// Poller serializes polls of one engine and remembers the last commit
// that was reconciled successfully. It is safe for concurrent use; the
// interval loop and the webhook server share one Poller so cycles never
// overlap.
type Poller struct {
	engine *Engine

	mu         gosync.Mutex
	lastCommit string
}

// NewPoller creates a poller for engine
func NewPoller(engine *Engine) *Poller {
	return &Poller{engine: engine}
}

// Poll runs one cycle. A failed cycle leaves the last commit unchanged so
// the next poll reconciles again.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	commit, err := p.engine.Poll(ctx, p.lastCommit)
	if err != nil {
		return err
	}
	p.lastCommit = commit
	return nil
}

// LastCommit returns the commit of the last successful cycle
func (p *Poller) LastCommit() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommit
}
