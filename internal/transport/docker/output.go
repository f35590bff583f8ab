package docker

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

var errOutputTooLarge = errors.New("container output exceeds limit")

// Stream ids in the multiplexed log header.
const (
	streamStdout = 1
	streamStderr = 2
)

// stderrTailBytes bounds the stderr kept for failure messages.
const stderrTailBytes = 4096

// containerOutput holds the demultiplexed output of a non-TTY container.
type containerOutput struct {
	stdout []byte
	stderr []byte
}

// lastStderrLine returns the last non-empty stderr line.
func (o containerOutput) lastStderrLine() string {
	lines := splitLines(string(o.stderr))
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// readOutput demultiplexes a docker log stream. Each frame is an 8-byte
// header (stream id, 3 zero bytes, big-endian size) followed by the payload.
// Stdout beyond limit fails with errOutputTooLarge; stderr keeps its tail.
func readOutput(r io.Reader, limit int64) (containerOutput, error) {
	var out containerOutput
	var stdout bytes.Buffer
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			return out, err
		}

		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		if size == 0 {
			continue
		}

		switch header[0] {
		case streamStdout:
			if int64(stdout.Len())+size > limit {
				return out, errOutputTooLarge
			}
			if _, err := io.CopyN(&stdout, r, size); err != nil {
				return out, err
			}
		case streamStderr:
			payload := make([]byte, size)
			if _, err := io.ReadFull(r, payload); err != nil {
				return out, err
			}
			out.stderr = append(out.stderr, payload...)
			if len(out.stderr) > stderrTailBytes {
				out.stderr = out.stderr[len(out.stderr)-stderrTailBytes:]
			}
		default:
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return out, err
			}
		}
	}

	out.stdout = stdout.Bytes()
	return out, nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
