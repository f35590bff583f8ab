package sapi

// Solver is a remote solver returned by ProblemManager.FetchSolvers.
type Solver struct {
	ID         string
	Properties map[string]any

	manager *ProblemManager
}

// Submit queues a problem for this solver.
func (s *Solver) Submit(problemType string, data []byte, params map[string]any) *SubmittedProblem {
	return s.manager.SubmitProblem(s.ID, problemType, data, params)
}
