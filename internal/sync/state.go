package sync

import (
	"time"

	"github.com/schaermu/composesyncd/internal/stack"
)

// Status describes the last finished cycle. It lives in memory only; the
// checkout and the container engine are the durable state.
type Status struct {
	Commit      string         `json:"commit,omitempty"`
	Result      string         `json:"result"`
	Error       string         `json:"error,omitempty"`
	FinishedAt  time.Time      `json:"finished_at"`
	LastSuccess *time.Time     `json:"last_success,omitempty"`
	Plan        *stack.Summary `json:"plan,omitempty"`
}
