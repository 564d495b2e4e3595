package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dante-gpu/dante-mesh/internal/config"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"go.uber.org/zap"
)

// ExecutionResult holds the outcome of one launch.
type ExecutionResult struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	// Exited is true when the program ran to completion on its own and
	// ExitCode is meaningful.
	Exited   bool
	ExitCode int
	Error    error // Launch failure, abnormal termination or kill
}

// Launcher runs a task instruction inside workspace. When ctx is done the
// launcher must terminate everything it started before returning.
type Launcher interface {
	Launch(ctx context.Context, task *models.Task, workspace string, logger *zap.Logger) ExecutionResult
}

// NewLauncher builds the launcher selected by cfg.Launcher.
func NewLauncher(cfg config.ExecutorSettings, logger *zap.Logger) (Launcher, error) {
	switch cfg.Launcher {
	case config.LauncherProcess, "":
		return NewProcessLauncher(cfg), nil
	case config.LauncherDocker:
		return NewDockerLauncher(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
	}
}

// limitedBuffer keeps the first max bytes written to it and silently
// discards the rest. Writes never fail so a chatty child is not killed by
// EPIPE.
type limitedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the kept prefix; a multi-byte rune cut at the limit is replaced.
func (b *limitedBuffer) String() string {
	return strings.ToValidUTF8(string(b.buf), "�")
}

func (b *limitedBuffer) Truncated() bool {
	return b.truncated
}

// getSnippet returns a short prefix of s suitable for log fields.
func getSnippet(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
