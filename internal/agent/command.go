package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/msggate/internal/bus"
)

// maxCommandOutput caps subprocess stdout capture.
const maxCommandOutput = 4 << 20 // 4 MiB

// CommandTurn runs the agent as a subprocess: the TurnRequest is passed
// as JSON on stdin, and stdout is the reply. Stdout that parses as a
// JSON payload array is used as-is; anything else becomes one text
// payload.
func CommandTurn(command []string) TurnFunc {
	return func(ctx context.Context, req TurnRequest) ([]bus.Payload, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("agent: no turn command configured")
		}
		input, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		if req.Workspace != "" {
			cmd.Dir = req.Workspace
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &limitedWriter{w: &stdout, n: maxCommandOutput}
		cmd.Stderr = &limitedWriter{w: &stderr, n: 64 << 10}

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("agent: turn command failed: %s", msg)
		}
		return ParsePayloads(stdout.Bytes()), nil
	}
}

// ParsePayloads interprets agent output: a JSON payload array when it
// parses as one, otherwise a single text payload. Empty output means no
// reply.
func ParsePayloads(out []byte) []bus.Payload {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var payloads []bus.Payload
		if err := json.Unmarshal(trimmed, &payloads); err == nil {
			kept := payloads[:0]
			for _, p := range payloads {
				if !p.IsEmpty() {
					kept = append(kept, p)
				}
			}
			return kept
		}
	}
	return []bus.Payload{{Text: string(trimmed)}}
}

// limitedWriter discards writes past n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	if len(p) > l.n {
		if _, err := l.w.Write(p[:l.n]); err != nil {
			return 0, err
		}
		l.n = 0
		return len(p), nil
	}
	l.n -= len(p)
	return l.w.Write(p)
}
