package connector

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

// Echo answers every request with its own content.
func Echo(_ context.Context, req *proto.Envelope) (string, map[string]any, error) {
	return req.Content, nil, nil
}

// Exec returns a handler that runs name with args, writes the request content
// to its stdin and replies with its stdout.
func Exec(name string, args []string, timeout time.Duration) Handler {
	return func(ctx context.Context, req *proto.Envelope) (string, map[string]any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = strings.NewReader(req.Content)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		start := time.Now()
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", nil, fmt.Errorf("run %s: %w: %s", name, err, msg)
			}
			return "", nil, fmt.Errorf("run %s: %w", name, err)
		}

		return strings.TrimRight(stdout.String(), "\n"), map[string]any{
			"durationMs": time.Since(start).Milliseconds(),
		}, nil
	}
}
