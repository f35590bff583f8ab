// Package sapi submits optimization problems to a remote solver service and
// tracks them until an answer is available.
//
// A ProblemManager batches submissions and status polls, limits how many
// requests are in flight, and retries network failures with exponential
// backoff. Each submission is represented by a SubmittedProblem handle whose
// progress can be observed, awaited, cancelled or retried.
//
// All manager state, including every SubmittedProblem lifecycle field, is
// written by a single goroutine. User callbacks run on a thread pool through
// an answer.Service, never on the manager or timer goroutines. Blocking
// calls (SubmittedProblem.Answer, AwaitSubmission, AwaitCompletion) must not
// be made from observers or answer callbacks.
package sapi
