package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/notify/types"
)

// LogNotifier writes notifications to the application log. Failures are
// logged at warn level so they stand out from routine progress.
type LogNotifier struct {
	logger zerolog.Logger
}

var _ types.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) Type() types.NotifierType { return types.NotifierLog }
func (n *LogNotifier) Name() string             { return "log" }

func (n *LogNotifier) Test(ctx context.Context) error {
	n.logger.Info().Msg("Test notification")
	return nil
}

func (n *LogNotifier) OnJobFinished(ctx context.Context, e types.JobEvent) error {
	ev := n.logger.Info()
	if e.Type == types.EventJobFailed {
		ev = n.logger.Warn()
	}
	ev.Int64("jobId", e.JobID).
		Str("title", e.Title).
		Str("episode", e.Episode).
		Str("status", e.Status).
		Str("reason", e.Reason).
		Msg("Download finished")
	return nil
}

func (n *LogNotifier) OnRecovery(ctx context.Context, e types.RecoveryEvent) error {
	n.logger.Info().
		Int("jobs", e.Jobs).
		Int("files", e.Files).
		Bool("restored", e.Restored).
		Msg("Recovered interrupted downloads")
	return nil
}
