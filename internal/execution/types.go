package execution

import (
	"time"

	"github.com/google/uuid"

	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/signer"
)

type State string

const (
	StateQuoted           State = "QUOTED"
	StateAwaitingPasscode State = "AWAITING_PASSCODE"
	StateSigning          State = "SIGNING"
	StateSubmitted        State = "SUBMITTED"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
)

var transitions = map[State][]State{
	StateQuoted:           {StateAwaitingPasscode, StateFailed},
	StateAwaitingPasscode: {StateSigning, StateFailed},
	StateSigning:          {StateAwaitingPasscode, StateSubmitted, StateFailed},
	StateSubmitted:        {StateConfirmed, StateFailed},
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StateQuoted, StateAwaitingPasscode, StateSigning, StateSubmitted, StateConfirmed, StateFailed:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one attempt to authorize and execute a single trade.
type Run struct {
	RunID      string        `json:"run_id"`
	IdentityID string        `json:"identity_id"`
	Ticker     string        `json:"ticker"`
	Amount     string        `json:"amount"`
	Direction  id.Direction  `json:"direction"`
	State      State         `json:"state"`
	Quote      *signer.Quote `json:"quote,omitempty"`
	Attempts   int           `json:"attempts"`
	TxHash     string        `json:"tx_hash,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorType  string        `json:"error_type,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// Result is what a resume reports back to the caller.
type Result struct {
	RunID             string `json:"run_id"`
	State             State  `json:"state"`
	Success           bool   `json:"success"`
	TxHash            string `json:"tx_hash,omitempty"`
	Error             string `json:"error,omitempty"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

func NewRunID() string {
	return "run_" + uuid.NewString()
}
