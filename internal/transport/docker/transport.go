// Package docker implements sapi.Transport with the Docker API.
// Each submitted problem runs as one solver container on the host daemon;
// the container's exit status is the problem status and its stdout is the answer.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"sapiremote/pkg/sapi"
)

// Environment passed to solver containers.
const (
	EnvProblem     = "SAPI_PROBLEM"
	EnvProblemID   = "SAPI_PROBLEM_ID"
	EnvSolver      = "SAPI_SOLVER"
	EnvProblemType = "SAPI_PROBLEM_TYPE"
)

// Transport implements sapi.Transport using Docker.
type Transport struct {
	engine engine
	cfg    Config
	state  *stateRepo
	logger *slog.Logger
	now    func() time.Time

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
	closeOnce         sync.Once
}

// New creates a container transport against the daemon configured in the
// environment (DOCKER_HOST and friends). Problems whose containers survived
// a restart are picked up again, so their ids stay valid.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	eng, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	return newTransport(ctx, eng, cfg), nil
}

func newTransport(ctx context.Context, eng engine, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		engine:          eng,
		cfg:             cfg,
		state:           newStateRepo(),
		logger:          slog.With("component", "docker-transport"),
		now:             time.Now,
		maintenanceDone: make(chan struct{}),
	}

	if err := t.reconcile(ctx); err != nil {
		t.logger.Warn("Failed to reconcile problems", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	t.cancelMaintenance = cancel
	go t.runMaintenance(maintenanceCtx, cfg.MaintenanceInterval)

	return t
}

// reconcile rebuilds problem state from labelled containers.
func (t *Transport) reconcile(ctx context.Context) error {
	containers, err := t.engine.list(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var reconciled int
	for _, c := range containers {
		id := c.labels[labelProblemID]
		if id == "" {
			continue
		}
		t.state.commit(id, &problemState{
			containerID: c.id,
			solver:      c.labels[labelSolver],
			problemType: c.labels[labelType],
		})
		reconciled++
	}

	t.logger.Info("Reconciliation complete", "reconciled", reconciled)
	return nil
}

// FetchSolvers lists the configured solver images.
func (t *Transport) FetchSolvers(ctx context.Context) ([]sapi.SolverInfo, error) {
	if err := t.engine.ping(ctx); err != nil {
		return nil, engineError(ctx, "ping", err)
	}

	names := slices.Sorted(maps.Keys(t.cfg.Solvers))
	solvers := make([]sapi.SolverInfo, 0, len(names))
	for _, name := range names {
		solvers = append(solvers, sapi.SolverInfo{
			ID: name,
			Properties: map[string]any{
				"backend": "docker",
				"image":   t.cfg.Solvers[name],
			},
		})
	}
	return solvers, nil
}

// SubmitProblems starts one container per problem. A problem that cannot be
// started gets a FAILED entry; the call itself fails only if the daemon is
// unreachable before anything was started.
func (t *Transport) SubmitProblems(ctx context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error) {
	if err := t.engine.ping(ctx); err != nil {
		return nil, engineError(ctx, "ping", err)
	}

	infos := make([]sapi.RemoteProblemInfo, 0, len(problems))
	for _, p := range problems {
		infos = append(infos, t.submit(ctx, p))
	}
	return infos, nil
}

func (t *Transport) submit(ctx context.Context, p sapi.Problem) sapi.RemoteProblemInfo {
	image, ok := t.cfg.Solvers[p.Solver]
	if !ok {
		return failedInfo("", p.Type, "unknown solver: "+p.Solver)
	}

	id := uuid.NewString()
	if err := t.state.reserve(id); err != nil {
		return failedInfo("", p.Type, err.Error())
	}

	logger := t.logger.With("problemId", id, "solver", p.Solver)

	// On failure, release the reservation
	success := false
	defer func() {
		if !success {
			t.state.release(id)
		}
	}()

	payload, err := json.Marshal(p)
	if err != nil {
		return failedInfo("", p.Type, "failed to encode problem: "+err.Error())
	}

	if err := t.pullImage(ctx, image); err != nil {
		logger.Error("Failed to pull solver image", "image", image, "error", err)
		return failedInfo("", p.Type, "failed to pull solver image: "+err.Error())
	}

	containerID, err := t.engine.create(ctx, containerSpec{
		name:  containerName(id),
		image: image,
		cmd:   t.cfg.Commands[p.Solver],
		env: []string{
			EnvProblem + "=" + string(payload),
			EnvProblemID + "=" + id,
			EnvSolver + "=" + p.Solver,
			EnvProblemType + "=" + p.Type,
		},
		labels: map[string]string{
			labelManagedBy: managedByValue,
			labelProblemID: id,
			labelSolver:    p.Solver,
			labelType:      p.Type,
		},
		extraHosts: t.cfg.ExtraHosts,
	})
	if err != nil {
		logger.Error("Failed to create solver container", "error", err)
		return failedInfo("", p.Type, "failed to create solver container: "+err.Error())
	}

	if err := t.engine.start(ctx, containerID); err != nil {
		logger.Error("Failed to start solver container", "error", err)
		t.removeContainer(context.WithoutCancel(ctx), containerID)
		return failedInfo("", p.Type, "failed to start solver container: "+err.Error())
	}

	submittedOn := t.now().UTC()
	t.state.commit(id, &problemState{
		containerID: containerID,
		solver:      p.Solver,
		problemType: p.Type,
		submittedOn: submittedOn,
	})
	success = true
	logger.Debug("Started solver container", "containerId", containerID)

	return sapi.RemoteProblemInfo{
		ID:          id,
		Type:        p.Type,
		Status:      sapi.StatusPending,
		SubmittedOn: submittedOn.Format(time.RFC3339Nano),
	}
}

// MultiProblemStatus inspects each problem's container. Unknown ids and
// removed containers are reported as FAILED.
func (t *Transport) MultiProblemStatus(ctx context.Context, ids []string) ([]sapi.RemoteProblemInfo, error) {
	infos := make([]sapi.RemoteProblemInfo, 0, len(ids))
	for _, id := range ids {
		info, err := t.status(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (t *Transport) status(ctx context.Context, id string) (sapi.RemoteProblemInfo, error) {
	ps, ok := t.state.get(id)
	if !ok {
		return failedInfo(id, "", "unknown problem id"), nil
	}

	ci, err := t.engine.inspect(ctx, ps.containerID)
	if errors.Is(err, errNotFound) {
		return failedInfo(id, ps.problemType, "solver container removed"), nil
	}
	if err != nil {
		return sapi.RemoteProblemInfo{}, engineError(ctx, "inspect", err)
	}
	return t.remoteInfo(ctx, id, ps, ci), nil
}

// remoteInfo maps container state to the remote problem status.
func (t *Transport) remoteInfo(ctx context.Context, id string, ps problemState, ci containerInfo) sapi.RemoteProblemInfo {
	info := sapi.RemoteProblemInfo{ID: id, Type: ps.problemType}
	if !ps.submittedOn.IsZero() {
		info.SubmittedOn = ps.submittedOn.Format(time.RFC3339Nano)
	}

	switch {
	case ps.cancelled:
		info.Status = sapi.StatusCanceled
	case ci.status == "created":
		info.Status = sapi.StatusPending
	case isActive(ci):
		info.Status = sapi.StatusInProgress
	case ci.exitCode == 0 && ci.errMsg == "":
		info.Status = sapi.StatusCompleted
		info.SolvedOn = ci.finishedAt
	default:
		info.Status = sapi.StatusFailed
		info.SolvedOn = ci.finishedAt
		info.ErrorMessage = t.failureMessage(ctx, ps.containerID, ci)
	}
	return info
}

func isActive(ci containerInfo) bool {
	return ci.running || ci.status == "restarting" || ci.status == "paused"
}

// failureMessage describes a failed container, using its last stderr line
// when one is available.
func (t *Transport) failureMessage(ctx context.Context, containerID string, ci containerInfo) string {
	msg := fmt.Sprintf("solver exited with code %d", ci.exitCode)
	if ci.errMsg != "" {
		msg = ci.errMsg
	}

	out, err := t.readOutput(ctx, containerID)
	if err != nil && !errors.Is(err, errOutputTooLarge) {
		return msg
	}
	if line := out.lastStderrLine(); line != "" {
		msg += ": " + line
	}
	return msg
}

// FetchAnswer reads a completed problem's answer from its container's stdout.
func (t *Transport) FetchAnswer(ctx context.Context, id string) (sapi.Answer, error) {
	ps, ok := t.state.get(id)
	if !ok {
		return sapi.Answer{}, sapi.SolveError("unknown problem id: " + id)
	}

	ci, err := t.engine.inspect(ctx, ps.containerID)
	if errors.Is(err, errNotFound) {
		return sapi.Answer{}, sapi.SolveError("solver container removed")
	}
	if err != nil {
		return sapi.Answer{}, engineError(ctx, "inspect", err)
	}

	info := t.remoteInfo(ctx, id, ps, ci)
	switch info.Status {
	case sapi.StatusPending, sapi.StatusInProgress:
		return sapi.Answer{}, sapi.NoAnswerError()
	case sapi.StatusFailed:
		return sapi.Answer{}, sapi.SolveError(info.ErrorMessage)
	case sapi.StatusCanceled:
		return sapi.Answer{}, sapi.ProblemCancelledError()
	}

	out, err := t.readOutput(ctx, ps.containerID)
	if errors.Is(err, errOutputTooLarge) {
		return sapi.Answer{}, sapi.MemoryError(fmt.Sprintf("answer exceeds %d bytes", t.cfg.MaxAnswerBytes))
	}
	if err != nil {
		return sapi.Answer{}, engineError(ctx, "logs", err)
	}
	return decodeAnswer(out.stdout, ps.problemType, containerRef(id))
}

func (t *Transport) readOutput(ctx context.Context, containerID string) (containerOutput, error) {
	rc, err := t.engine.logs(ctx, containerID)
	if err != nil {
		return containerOutput{}, err
	}
	defer rc.Close()
	return readOutput(rc, t.cfg.MaxAnswerBytes)
}

// decodeAnswer parses {"type": ..., "answer": ...} from stdout. Solvers that
// log to stdout may print the document as their last line. A missing type
// defaults to the problem type.
func decodeAnswer(stdout []byte, problemType, ref string) (sapi.Answer, error) {
	var doc struct {
		Type   *string         `json:"type"`
		Answer json.RawMessage `json:"answer"`
	}

	body := bytes.TrimSpace(stdout)
	if err := json.Unmarshal(body, &doc); err != nil {
		lines := splitLines(string(body))
		if len(lines) == 0 {
			return sapi.Answer{}, sapi.ProtocolError("JSON format error", ref)
		}
		if err := json.Unmarshal([]byte(lines[len(lines)-1]), &doc); err != nil {
			return sapi.Answer{}, sapi.ProtocolError("JSON format error", ref)
		}
	}
	if doc.Answer == nil {
		return sapi.Answer{}, sapi.ProtocolError("missing key: answer", ref)
	}

	answerType := problemType
	if doc.Type != nil && *doc.Type != "" {
		answerType = *doc.Type
	}
	return sapi.Answer{Type: answerType, Data: doc.Answer}, nil
}

// CancelProblems stops the containers of unfinished problems. Unknown and
// finished problems are left alone.
func (t *Transport) CancelProblems(ctx context.Context, ids []string) error {
	stopSeconds := int(t.cfg.StopTimeout / time.Second)

	for _, id := range ids {
		ps, ok := t.state.get(id)
		if !ok || ps.cancelled {
			continue
		}

		ci, err := t.engine.inspect(ctx, ps.containerID)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return engineError(ctx, "inspect", err)
		}
		if ci.status != "created" && !isActive(ci) {
			continue
		}

		t.state.markCancelled(id)
		if err := t.engine.stop(ctx, ps.containerID, stopSeconds); err != nil && !errors.Is(err, errNotFound) {
			return engineError(ctx, "stop", err)
		}
		t.logger.Info("Cancelled problem", "problemId", id)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (t *Transport) Ready(ctx context.Context) error {
	return t.engine.ping(ctx)
}

// Close stops maintenance and releases the client. Containers are kept so a
// restarted transport can reconcile them.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancelMaintenance()
		<-t.maintenanceDone
		err = t.engine.close()
	})
	return err
}

func (t *Transport) pullImage(ctx context.Context, ref string) error {
	return retry.Do(
		func() error {
			return t.engine.ensureImage(ctx, ref)
		},
		retry.Context(ctx),
		retry.Attempts(t.cfg.PullAttempts),
		retry.Delay(t.cfg.PullDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("Image pull failed, retrying", "image", ref, "attempt", n+1, "error", err)
		}),
	)
}

func (t *Transport) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := t.engine.remove(ctx, containerID); err != nil && !errors.Is(err, errNotFound) {
		t.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

// runMaintenance periodically cleans up expired finished problems.
func (t *Transport) runMaintenance(ctx context.Context, interval time.Duration) {
	defer close(t.maintenanceDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanupExpired(ctx)
		}
	}
}

// cleanupExpired removes problems that finished more than RetentionPeriod
// ago, along with problems whose containers have disappeared.
func (t *Transport) cleanupExpired(ctx context.Context) {
	now := t.now()
	logger := t.logger.With("phase", "maintenance")

	var expired []string
	for id, ps := range t.state.list() {
		ci, err := t.engine.inspect(ctx, ps.containerID)
		if errors.Is(err, errNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil || ci.status == "created" || isActive(ci) {
			continue
		}

		finishedAt, err := time.Parse(time.RFC3339Nano, ci.finishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finishedAt) > t.cfg.RetentionPeriod {
			expired = append(expired, id)
		}
	}

	if len(expired) == 0 {
		return
	}

	for _, id := range expired {
		if ps, exists := t.state.release(id); exists && ps != nil {
			t.removeContainer(ctx, ps.containerID)
			logger.Debug("Cleaned up expired problem", "problemId", id)
		}
	}

	logger.Info("Maintenance complete", "cleaned", len(expired))
}

func engineError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return sapi.NetworkError(fmt.Sprintf("docker %s: %v", op, err))
}

func failedInfo(id, problemType, msg string) sapi.RemoteProblemInfo {
	return sapi.RemoteProblemInfo{
		ID:           id,
		Type:         problemType,
		Status:       sapi.StatusFailed,
		ErrorMessage: msg,
	}
}

func containerName(id string) string {
	return "sapi-" + id
}

func containerRef(id string) string {
	return "docker://" + containerName(id)
}

// Verify Transport implements sapi.Transport
var _ sapi.Transport = (*Transport)(nil)
