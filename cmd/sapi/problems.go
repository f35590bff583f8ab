package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sapiremote/internal/gateway"
	"sapiremote/pkg/sapi"
)

const (
	closeTimeout       = 10 * time.Second
	statusPollInterval = 20 * time.Millisecond
)

var (
	submitSolver  string
	submitType    string
	submitData    string
	submitParams  string
	submitWait    bool
	submitTimeout time.Duration

	awaitTimeout time.Duration
)

var solversCmd = &cobra.Command{
	Use:   "solvers",
	Short: "List the solvers offered by the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			solvers, err := s.manager.FetchSolvers(ctx)
			if err != nil {
				return err
			}
			out := make([]gateway.Solver, 0, len(solvers))
			for _, sv := range solvers {
				out = append(out, gateway.Solver{ID: sv.ID, Properties: sv.Properties})
			}
			slices.SortFunc(out, func(a, b gateway.Solver) int { return strings.Compare(a.ID, b.ID) })
			return output(out)
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a problem",
	Long: `Submit a problem and print its status once the backend has accepted it.

With --wait the command blocks until the problem is done and prints the
answer instead.

Examples:
  sapi submit --solver qpu-1 --type ising --data @problem.json
  sapi submit --solver qpu-1 --type qubo --data '{"Q":{"0,0":-1}}' --wait
  cat problem.json | sapi submit --solver qpu-1 --type ising --data -`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(submitData, cmd.InOrStdin())
		if err != nil {
			return err
		}
		var params map[string]any
		if submitParams != "" {
			if err := json.Unmarshal([]byte(submitParams), &params); err != nil {
				return fmt.Errorf("invalid --params: %w", err)
			}
		}

		return withStack(cmd, func(ctx context.Context, s *stack) error {
			p := s.manager.SubmitProblem(submitSolver, submitType, data, params)
			problems := []*sapi.SubmittedProblem{p}

			ctx, cancel := timeoutContext(ctx, submitTimeout)
			defer cancel()

			if !submitWait {
				if !sapi.AwaitSubmissionContext(ctx, problems) {
					return fmt.Errorf("problem not submitted: %w", context.Cause(ctx))
				}
				return statusOutput(p.Status())
			}

			if !sapi.AwaitCompletionContext(ctx, problems, 1) {
				return fmt.Errorf("problem %s not done: %w", p.ProblemID(), context.Cause(ctx))
			}
			return answerOutput(ctx, p)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status ID...",
	Short: "Show the status of problems by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			problems := addProblems(s, args)

			ctx, cancel := timeoutContext(ctx, awaitTimeout)
			defer cancel()
			awaitRemoteStatus(ctx, problems)

			statuses := make([]sapi.Status, len(problems))
			for i, p := range problems {
				statuses[i] = p.Status()
			}
			return output(statuses)
		})
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer ID",
	Short: "Wait for a problem and print its answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			p := s.manager.AddProblem(args[0])

			ctx, cancel := timeoutContext(ctx, awaitTimeout)
			defer cancel()
			if !sapi.AwaitCompletionContext(ctx, []*sapi.SubmittedProblem{p}, 1) {
				return fmt.Errorf("problem %s not done: %w", args[0], context.Cause(ctx))
			}
			return answerOutput(ctx, p)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID...",
	Short: "Cancel problems by id",
	Long: `Cancel problems by id and print their final status. Problems that are
already done are left alone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, s *stack) error {
			problems := addProblems(s, args)
			for _, p := range problems {
				p.Cancel()
			}

			ctx, cancel := timeoutContext(ctx, awaitTimeout)
			defer cancel()
			sapi.AwaitCompletionContext(ctx, problems, len(problems))

			statuses := make([]sapi.Status, len(problems))
			for i, p := range problems {
				statuses[i] = p.Status()
			}
			return output(statuses)
		})
	},
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitSolver, "solver", "", "solver name (required)")
	f.StringVar(&submitType, "type", "", "problem type, e.g. ising or qubo (required)")
	f.StringVar(&submitData, "data", "", "problem data: inline JSON, @file, or - for stdin (required)")
	f.StringVar(&submitParams, "params", "", "solver parameters as a JSON object")
	f.BoolVar(&submitWait, "wait", false, "wait for the answer")
	f.DurationVar(&submitTimeout, "timeout", 0, "give up after this long (0 waits forever)")
	_ = submitCmd.MarkFlagRequired("solver")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("data")

	for _, c := range []*cobra.Command{statusCmd, answerCmd, cancelCmd} {
		c.Flags().DurationVar(&awaitTimeout, "timeout", 30*time.Second, "give up after this long (0 waits forever)")
	}
}

// withStack builds the pipeline, runs fn and tears the pipeline down.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, s *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := buildStack(ctx, cfg, nil)
	if err != nil {
		return err
	}

	runErr := fn(ctx, s)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := s.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func addProblems(s *stack, ids []string) []*sapi.SubmittedProblem {
	problems := make([]*sapi.SubmittedProblem, len(ids))
	for i, id := range ids {
		problems[i] = s.manager.AddProblem(id)
	}
	return problems
}

// awaitRemoteStatus waits until every problem has been polled at least once
// or has failed.
func awaitRemoteStatus(ctx context.Context, problems []*sapi.SubmittedProblem) {
	sapi.AwaitSubmissionContext(ctx, problems)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		known := true
		for _, p := range problems {
			st := p.Status()
			if st.RemoteStatus == sapi.StatusUnknown && st.State != sapi.Failed {
				known = false
				break
			}
		}
		if known {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// timeoutContext bounds ctx by d; zero or negative d leaves it unbounded.
func timeoutContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// readData loads problem data from an inline value, @file or - for in.
func readData(arg string, in io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case arg == "-":
		data, err = io.ReadAll(in)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read problem data: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("problem data is not valid JSON")
	}
	return data, nil
}

func statusOutput(st sapi.Status) error {
	if err := output(st); err != nil {
		return err
	}
	if st.Error != nil {
		return st.Error
	}
	return nil
}

// answerOutput prints p's answer, or its status when it has none.
func answerOutput(ctx context.Context, p *sapi.SubmittedProblem) error {
	a, err := p.Answer(ctx)
	if err != nil {
		st := p.Status()
		if outErr := output(st); outErr != nil {
			return outErr
		}
		return err
	}
	view, err := newAnswerView(p.ProblemID(), a)
	if err != nil {
		return err
	}
	return output(view)
}
