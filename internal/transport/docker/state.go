package docker

import (
	"sync"
	"time"

	"sapiremote/internal/apperrors"
)

// problemState holds the runtime state for a single problem.
type problemState struct {
	containerID string
	solver      string
	problemType string
	submittedOn time.Time
	cancelled   bool
}

// stateRepo manages problem state with thread-safe access.
type stateRepo struct {
	mu       sync.RWMutex
	problems map[string]*problemState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		problems: make(map[string]*problemState),
	}
}

// reserve attempts to reserve a problem ID slot. Returns error if already exists.
// The slot is reserved with nil until commit is called.
func (r *stateRepo) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.problems[id]; exists {
		return apperrors.Conflict("problem", id, "problem already exists")
	}
	r.problems[id] = nil
	return nil
}

// commit fills in a reserved slot with the actual problem state.
func (r *stateRepo) commit(id string, ps *problemState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.problems[id] = ps
}

// release removes a problem from the repository. Returns the state if it existed.
func (r *stateRepo) release(id string) (*problemState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, exists := r.problems[id]
	if exists {
		delete(r.problems, id)
	}
	return ps, exists
}

// get returns a copy of a committed problem's state.
func (r *stateRepo) get(id string) (problemState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, exists := r.problems[id]
	if !exists || ps == nil {
		return problemState{}, false
	}
	return *ps, true
}

// markCancelled flags a committed problem as cancelled and returns its
// container. Unknown or uncommitted ids report false.
func (r *stateRepo) markCancelled(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, exists := r.problems[id]
	if !exists || ps == nil {
		return "", false
	}
	ps.cancelled = true
	return ps.containerID, true
}

// list returns copies of all committed problem states.
func (r *stateRepo) list() map[string]problemState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]problemState, len(r.problems))
	for id, ps := range r.problems {
		if ps != nil {
			result[id] = *ps
		}
	}
	return result
}

func (r *stateRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.problems)
}
