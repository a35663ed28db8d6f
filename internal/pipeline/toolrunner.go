package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ToolEvent is one JSON line on a converter tool's stdout. Tools report
// progress as a fraction, announce produced files relative to their output
// directory, and may attach a placement matrix with their final event.
type ToolEvent struct {
	Progress    *float64  `json:"progress,omitempty"`
	File        string    `json:"file,omitempty"`
	ModelMatrix []float64 `json:"model_matrix,omitempty"`
}

// runTool executes a converter binary in its own process. Stdout is a JSON
// line protocol handed to onEvent; stderr is kept for the error message and
// logs but never surfaced to clients. Cancelling ctx kills the process.
func runTool(ctx context.Context, logger *slog.Logger, bin string, args []string, dir string, onEvent func(ToolEvent)) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %s: %w", bin, err)
	}

	logger.Debug("Converter tool started",
		slog.String("tool", bin),
		slog.Any("args", args),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", bin, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event ToolEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// tools may print diagnostics between events
			logger.Debug("Unparsed tool output", slog.String("tool", bin), slog.String("line", line))
			continue
		}

		if onEvent != nil {
			onEvent(event)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", bin, ctx.Err())
		}

		tail := stderrTail(stderr.String())
		logger.Error("Converter tool failed",
			slog.String("tool", bin),
			slog.String("stderr", tail),
		)
		return fmt.Errorf("%s failed: %w: %s", bin, err, tail)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read output of %s: %w", bin, err)
	}

	return nil
}

// stderrTail keeps the last few lines of tool stderr so errors stay loggable
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no stderr)"
	}

	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
