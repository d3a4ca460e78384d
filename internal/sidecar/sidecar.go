// Package sidecar keeps the sync job container present and running next
// to the server container it was cloned from.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/composesyncd/internal/docker"
	"github.com/schaermu/composesyncd/internal/metrics"
)

// maxCreateAttempts bounds how often a stale sidecar is replaced per Heal.
// A collision on the last attempt is accepted as settled.
const maxCreateAttempts = 2

// healFailed labels heal metrics of runs that ended in an engine error
const healFailed = "error"

// Outcome describes how a Heal run ended
type Outcome string

const (
	// OutcomeNoSelf means the server does not run in a container
	OutcomeNoSelf Outcome = "no-self"
	// OutcomeStarted means a new sidecar was created and started
	OutcomeStarted Outcome = "started"
	// OutcomeRacedAway means another actor removed a container mid-run
	OutcomeRacedAway Outcome = "raced-away"
	// OutcomeForeign means the name belongs to a container of another image
	OutcomeForeign Outcome = "foreign"
	// OutcomeRunning means the sidecar already runs the server's image
	OutcomeRunning Outcome = "running"
	// OutcomeSettled means the name was taken again after a replacement
	OutcomeSettled Outcome = "settled"
)

// Engine is the container-engine collaborator; see docker.Engine
type Engine interface {
	ContainerInfo(ctx context.Context, idOrName string) (*docker.Info, error)
	CopyContainer(ctx context.Context, name string, cmd []string, source *docker.Info, autoRemove bool) (bool, string, error)
	DeleteContainer(ctx context.Context, idOrName string) (bool, error)
	StartContainer(ctx context.Context, idOrName string) (bool, error)
}

// Target is the desired sidecar
type Target struct {
	Name       string
	Command    []string
	AutoRemove bool
}

// Report is the result of the most recent Heal
type Report struct {
	Outcome Outcome   `json:"outcome,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Manager runs the healing state machine
type Manager struct {
	engine   Engine
	target   Target
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hostname func() (string, error)

	mu   sync.Mutex
	last atomic.Pointer[Report]
}

// NewManager creates a manager. m may be nil.
func NewManager(engine Engine, target Target, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		engine:   engine,
		target:   target,
		logger:   logger,
		metrics:  m,
		hostname: os.Hostname,
	}
}

// Heal makes sure the sidecar exists and runs the server's image. Benign
// races end in an Outcome; only engine failures are returned as errors.
// Concurrent calls run one after the other.
func (m *Manager) Heal(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome, err := m.heal(ctx)
	if err != nil {
		m.last.Store(&Report{Error: err.Error(), At: time.Now()})
		m.metrics.ObserveHeal(healFailed)
		return "", err
	}
	m.last.Store(&Report{Outcome: outcome, At: time.Now()})

	m.metrics.ObserveHeal(string(outcome))
	level := slog.LevelDebug
	if outcome == OutcomeStarted || outcome == OutcomeForeign {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, "sidecar check finished", "name", m.target.Name, "outcome", outcome)
	return outcome, nil
}

// Last returns the report of the most recent Heal, or nil before the first
func (m *Manager) Last() *Report {
	return m.last.Load()
}

func (m *Manager) heal(ctx context.Context) (Outcome, error) {
	host, err := m.hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}

	// Docker sets the hostname of a container to its short ID
	self, err := m.engine.ContainerInfo(ctx, host)
	if err != nil {
		return "", err
	}
	if self == nil {
		return OutcomeNoSelf, nil
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		created, id, err := m.engine.CopyContainer(ctx, m.target.Name, m.target.Command, self, m.target.AutoRemove)
		if err != nil {
			return "", err
		}
		if created {
			m.logger.Info("created sidecar", "name", m.target.Name, "id", id, "image", self.Image)
			started, err := m.engine.StartContainer(ctx, id)
			if err != nil {
				return "", err
			}
			if !started {
				return OutcomeRacedAway, nil
			}
			return OutcomeStarted, nil
		}

		if attempt == maxCreateAttempts {
			break
		}

		existing, err := m.engine.ContainerInfo(ctx, m.target.Name)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return OutcomeRacedAway, nil
		}
		if existing.Image != self.Image {
			m.logger.Warn("sidecar name is taken by a container of another image",
				"name", m.target.Name,
				"image", existing.Image,
				"want", self.Image)
			return OutcomeForeign, nil
		}
		if existing.Running() {
			return OutcomeRunning, nil
		}

		m.logger.Info("replacing stopped sidecar", "name", m.target.Name, "status", existing.Status)
		deleted, err := m.engine.DeleteContainer(ctx, existing.ID)
		if err != nil {
			return "", err
		}
		if !deleted {
			return OutcomeRacedAway, nil
		}
	}

	return OutcomeSettled, nil
}
