package hooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-arbiter/pkg/fencing"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

// ExitBadHost is the fence agent exit status for "device does not control
// this host".
const ExitBadHost = 100

// ExecFencer fences by running an external agent. {peer} and {channel} in
// the argv template are replaced per call.
type ExecFencer struct {
	argv   []string
	runner CommandRunner
	logger logging.Logger
}

// NewExecFencer creates a fencer for argv. runner defaults to ExecRunner.
func NewExecFencer(argv []string, runner CommandRunner, logger logging.Logger) *ExecFencer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecFencer{argv: argv, runner: runner, logger: logger.With(logging.Component("fence-agent"))}
}

func (f *ExecFencer) Fence(ctx context.Context, peer, channel string) error {
	if len(f.argv) == 0 {
		return fmt.Errorf("%w: no fence command", fencing.ErrNotConfigured)
	}
	argv := expand(f.argv, map[string]string{"peer": peer, "channel": channel})
	env := []string{"ARBITER_PEER=" + peer, "ARBITER_CHANNEL=" + channel}

	res, err := f.runner.Run(ctx, argv, env)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", fencing.ErrFenceTimeout, argv[0])
	case err != nil:
		return err
	}

	f.logger.Debug("fence agent finished",
		logging.Peer(peer), logging.Int("exit_code", res.ExitCode), logging.String("output", res.Output))

	switch res.ExitCode {
	case 0:
		return nil
	case ExitBadHost:
		return fmt.Errorf("%w: %s", fencing.ErrBadHost, lastLine(res.Output))
	default:
		return fmt.Errorf("%w: agent exited %d: %s", fencing.ErrDeviceFailure, res.ExitCode, lastLine(res.Output))
	}
}

var _ fencing.Fencer = (*ExecFencer)(nil)
