package roster

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "roster_state"

// State holds the pending response of one request until Handler writes it.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
	slo     *sloConfig
}

// outcome is a point-in-time copy of a State.
type outcome struct {
	status int
	body   any
	err    *APIError
}

func (s *State) snapshot() outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return outcome{status: s.status, body: s.body, err: s.err}
}

// HasState reports whether the Handler middleware is active for ctx.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}
