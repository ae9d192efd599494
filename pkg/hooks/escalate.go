package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
)

// LogEscalator raises an alarm for a peer presumed dead whose fencing
// failed. It always logs and journals; a configured command (pager, ticket)
// is run as well.
type LogEscalator struct {
	argv    []string
	timeout time.Duration
	runner  CommandRunner
	journal *audit.Journal
	logger  logging.Logger
}

// NewLogEscalator creates an escalator. journal and argv may be nil.
func NewLogEscalator(argv []string, timeout time.Duration, runner CommandRunner, journal *audit.Journal, logger logging.Logger) *LogEscalator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LogEscalator{
		argv:    argv,
		timeout: timeout,
		runner:  runner,
		journal: journal,
		logger:  logger.With(logging.Component("escalation")),
	}
}

func (e *LogEscalator) Escalate(ctx context.Context, peer, channel string, cause error) error {
	e.logger.Error("peer presumed dead but unfenced, operator action required",
		logging.Peer(peer), logging.Channel(channel), logging.Error(cause))

	if e.journal != nil {
		ev := audit.NewEvent(audit.KindEscalation, peer, audit.OutcomeFailure, "peer presumed dead but unfenced")
		ev.Channel = channel
		if cause != nil {
			ev.With("error", cause.Error())
		}
		if err := e.journal.Record(ev); err != nil {
			e.logger.Warn("failed to journal escalation", logging.Error(err))
		}
	}

	if len(e.argv) == 0 {
		return nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	argv := expand(e.argv, map[string]string{"peer": peer, "channel": channel})
	res, err := e.runner.Run(ctx, argv, []string{
		"ARBITER_PEER=" + peer,
		"ARBITER_CHANNEL=" + channel,
		"ARBITER_ERROR=" + errText,
	})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, lastLine(res.Output))
	}
	if err != nil {
		return fmt.Errorf("escalation hook: %w", err)
	}
	return nil
}
