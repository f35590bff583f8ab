// Package answer delivers problem notifications and answers to user code
// through a Poster, so callbacks never run on the manager or timer goroutines.
package answer

import (
	"encoding/json"
	"log/slog"
)

// Answer is a solved problem's result: a format tag and its opaque payload.
type Answer struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"answer"`
}

// Observer is notified when a submitted problem reaches a milestone.
type Observer interface {
	Submitted()
	Done()
	Error(err error)
}

// Callback receives an answer or the error that prevented fetching it.
// Exactly one of the two is meaningful: err is nil on success.
type Callback func(a Answer, err error)

// Poster queues work for asynchronous execution.
type Poster interface {
	Post(work func()) error
}

// Option configures a Service.
type Option func(*Service)

// WithErrorMapper converts a Poster failure into the error handed to the
// observer or callback that could not be scheduled.
func WithErrorMapper(fn func(error) error) Option {
	return func(s *Service) {
		s.mapErr = fn
	}
}

// Service posts one unit of work per notification.
//
// If the poster rejects a Submitted or Done notification, the observer gets
// an Error notification instead; if that is rejected too, Error runs on the
// calling goroutine. Answer callbacks fall back the same way.
type Service struct {
	poster Poster
	mapErr func(error) error
	logger *slog.Logger
}

// New creates an answer service that schedules work on poster.
func New(poster Poster, opts ...Option) *Service {
	s := &Service{
		poster: poster,
		mapErr: func(err error) error { return err },
		logger: slog.With("component", "answer-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PostSubmitted schedules o.Submitted.
func (s *Service) PostSubmitted(o Observer) {
	if err := s.poster.Post(o.Submitted); err != nil {
		s.PostError(o, s.mapErr(err))
	}
}

// PostDone schedules o.Done.
func (s *Service) PostDone(o Observer) {
	if err := s.poster.Post(o.Done); err != nil {
		s.PostError(o, s.mapErr(err))
	}
}

// PostError schedules o.Error(err).
func (s *Service) PostError(o Observer, err error) {
	if postErr := s.poster.Post(func() { o.Error(err) }); postErr != nil {
		s.logger.Debug("Delivering observer error inline", "error", postErr)
		o.Error(err)
	}
}

// PostAnswer schedules cb with a fetched answer.
func (s *Service) PostAnswer(cb Callback, a Answer) {
	if err := s.poster.Post(func() { cb(a, nil) }); err != nil {
		s.PostAnswerError(cb, s.mapErr(err))
	}
}

// PostAnswerError schedules cb with the error that ended an answer fetch.
func (s *Service) PostAnswerError(cb Callback, err error) {
	if postErr := s.poster.Post(func() { cb(Answer{}, err) }); postErr != nil {
		s.logger.Debug("Delivering answer error inline", "error", postErr)
		cb(Answer{}, err)
	}
}
