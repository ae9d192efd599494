package hooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

// ExecResourceManager signals the resource manager by running commands.
// An unset command makes the corresponding call a no-op.
type ExecResourceManager struct {
	stepDown []string
	release  []string
	timeout  time.Duration
	runner   CommandRunner
	logger   logging.Logger
}

// NewExecResourceManager creates a resource manager adapter.
func NewExecResourceManager(stepDown, release []string, timeout time.Duration, runner CommandRunner, logger logging.Logger) *ExecResourceManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecResourceManager{
		stepDown: stepDown,
		release:  release,
		timeout:  timeout,
		runner:   runner,
		logger:   logger.With(logging.Component("resource-manager")),
	}
}

// StepDown tells the resource manager this node has lost the cluster.
func (m *ExecResourceManager) StepDown(ctx context.Context, reason string) error {
	return m.run(ctx, "step-down", m.stepDown, []string{"ARBITER_REASON=" + reason})
}

// Release asks the resource manager to give up groups.
func (m *ExecResourceManager) Release(ctx context.Context, groups []string) error {
	if len(groups) == 0 {
		return nil
	}
	return m.run(ctx, "release", m.release, []string{"ARBITER_GROUPS=" + strings.Join(groups, ",")})
}

func (m *ExecResourceManager) run(ctx context.Context, op string, argv, env []string) error {
	log := m.logger.With(logging.Operation(op))
	if len(argv) == 0 {
		log.Debug("no command configured, skipping")
		return nil
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(log, "resource manager hook")
	res, err := m.runner.Run(ctx, argv, env)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, lastLine(res.Output))
	}
	if err != nil {
		timer.EndError(err)
		return fmt.Errorf("%s hook: %w", op, err)
	}
	timer.End()
	return nil
}
