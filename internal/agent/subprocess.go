package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/log"
)

// defaultInvokeTimeout bounds one agent run when the provider config does
// not set one.
const defaultInvokeTimeout = 20 * time.Minute

// ProviderConfig describes how to launch one agent provider. The prompt is
// passed on stdin; the workspace path becomes the working directory.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	Command       string        `mapstructure:"command"`
	Args          []string      `mapstructure:"args"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// Subprocess invokes an agent as an external command.
type Subprocess struct {
	cfg ProviderConfig
}

var _ Invoker = (*Subprocess)(nil)

// NewSubprocess builds an invoker from a provider config.
func NewSubprocess(cfg ProviderConfig) *Subprocess {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultInvokeTimeout
	}
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) Name() string { return s.cfg.Name }

// Invoke runs the provider command with the request prompt on stdin. A
// deadline overrun is reported as ErrTimeout; the subprocess is not killed
// harder than context cancellation does.
func (s *Subprocess) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	//nolint:gosec // G204: command comes from the user's own configuration
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Dir = req.WorkspacePath
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info(log.CatSched, "Invoking agent",
		"agent", s.cfg.Name, "role", req.Role, "wp", req.WPID, "workspace", req.WorkspacePath)

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("agent %s failed: %s", s.cfg.Name, msg)
	}

	res := &Result{Output: stdout.String(), Duration: elapsed}
	if req.Role == RoleReviewer {
		verdict, err := ParseReviewVerdict(res.Output)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", s.cfg.Name, err)
		}
		res.Verdict = verdict
	}
	return res, nil
}
