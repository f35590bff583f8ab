package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeContainer is one container known to fakeEngine.
type fakeContainer struct {
	spec   containerSpec
	info   containerInfo
	stdout string
	stderr string
}

// fakeEngine is an in-memory engine. Containers start running on start and
// stay running until finish is called.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int

	pingErr      error
	createErr    error
	startErr     error
	inspectErr   error
	pullFailures int
	pulls        int
	stopped      []string
	removed      []string
	closed       bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]*fakeContainer)}
}

// add registers an existing container, as if left over from a previous run.
func (f *fakeEngine) add(id string, labels map[string]string, info containerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{spec: containerSpec{labels: labels}, info: info}
}

// finish makes a container exit with the given code and output.
func (f *fakeEngine) finish(id string, exitCode int, stdout, stderr string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.info = containerInfo{status: "exited", exitCode: exitCode, finishedAt: at.Format(time.RFC3339Nano)}
	c.stdout, c.stderr = stdout, stderr
}

func (f *fakeEngine) container(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *fakeEngine) ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeEngine) ensureImage(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pulls <= f.pullFailures {
		return fmt.Errorf("pull attempt %d failed", f.pulls)
	}
	return nil
}

func (f *fakeEngine) create(_ context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, info: containerInfo{status: "created"}}
	return id, nil
}

func (f *fakeEngine) start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return errNotFound
	}
	c.info = containerInfo{status: "running", running: true}
	return nil
}

func (f *fakeEngine) inspect(_ context.Context, id string) (containerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return containerInfo{}, f.inspectErr
	}
	c, ok := f.containers[id]
	if !ok {
		return containerInfo{}, errNotFound
	}
	return c.info, nil
}

func (f *fakeEngine) logs(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errNotFound
	}
	var buf bytes.Buffer
	buf.Write(frame(streamStderr, c.stderr))
	buf.Write(frame(streamStdout, c.stdout))
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) stop(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errNotFound
	}
	f.stopped = append(f.stopped, id)
	c.info = containerInfo{status: "exited", exitCode: 137, finishedAt: time.Now().Format(time.RFC3339Nano)}
	return nil
}

func (f *fakeEngine) remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errNotFound
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) list(context.Context) ([]containerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]containerSummary, 0, len(f.containers))
	for id, c := range f.containers {
		out = append(out, containerSummary{id: id, labels: c.spec.labels})
	}
	return out, nil
}

func (f *fakeEngine) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// frame encodes payload as one multiplexed log frame.
func frame(stream byte, payload string) []byte {
	if payload == "" {
		return nil
	}
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}
