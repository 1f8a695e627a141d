package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultPollInterval          = time.Minute
	defaultPollMinAge            = 60 * time.Second
	defaultPollMaxAttempts       = 5
	defaultPollQueuedMaxAttempts = 2
	defaultPollBackoff           = 300 * time.Second
	defaultPollBatchLimit        = 100

	pollNoteFetchFailed = "fetch-failed"
	pollNoteNoStatus    = "no-status-returned"
)

// PollConfig tunes the status poll job. Zero values fall back to defaults.
type PollConfig struct {
	Enabled           bool
	Interval          time.Duration
	MinAge            time.Duration
	MaxAttempts       int
	QueuedMaxAttempts int
	Backoff           time.Duration
	BatchLimit        int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Enabled:           true,
		Interval:          defaultPollInterval,
		MinAge:            defaultPollMinAge,
		MaxAttempts:       defaultPollMaxAttempts,
		QueuedMaxAttempts: defaultPollQueuedMaxAttempts,
		Backoff:           defaultPollBackoff,
		BatchLimit:        defaultPollBatchLimit,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.MinAge <= 0 {
		c.MinAge = defaultPollMinAge
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultPollMaxAttempts
	}
	if c.QueuedMaxAttempts <= 0 {
		c.QueuedMaxAttempts = defaultPollQueuedMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultPollBackoff
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultPollBatchLimit
	}
	return c
}

// ArgsResolver builds the FetchStatus arguments for a stored message.
type ArgsResolver interface {
	ArgsFor(driver string, msg *domain.Message) []string
}

// PollSummary reports one poll run. Checked counts selected candidates and
// Polled counts rows that were updated.
type PollSummary struct {
	Checked int
	Polled  int
}

// StatusPollJob reconciles messages stuck in a transient status by asking
// the provider for their current status.
type StatusPollJob struct {
	messages repository.MessageRepository
	drivers  DriverResolver
	args     ArgsResolver
	cfg      PollConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewStatusPollJob(
	messages repository.MessageRepository,
	drivers DriverResolver,
	args ArgsResolver,
	cfg PollConfig,
	logger *zap.Logger,
) (*StatusPollJob, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if drivers == nil {
		return nil, fmt.Errorf("driver resolver is required")
	}
	if args == nil {
		args = provider.NewPollingParameterResolver()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusPollJob{
		messages: messages,
		drivers:  drivers,
		args:     args,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (j *StatusPollJob) SetMetrics(metrics *observability.Metrics) {
	if j == nil {
		return
	}
	j.metrics = metrics
}

// Start runs a poll immediately and then on every interval until ctx is done.
func (j *StatusPollJob) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !j.cfg.Enabled {
		j.logger.Info("status polling disabled")
		return nil
	}

	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("status poll initial run failed", zap.Error(err))
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("status poll run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single poll pass. Rows without a provider id are
// selected first; rows with one fill the remaining batch capacity.
func (j *StatusPollJob) RunOnce(ctx context.Context) (PollSummary, error) {
	if !j.cfg.Enabled {
		return PollSummary{}, nil
	}

	now := j.now().UTC()
	cutoff := now.Add(-j.cfg.MinAge)

	candidates, err := j.messages.ListPollCandidates(ctx, repository.PollCandidateQuery{
		Statuses:       domain.TransientStatuses(),
		CreatedBefore:  cutoff,
		WithProviderID: false,
		Limit:          j.cfg.BatchLimit,
	})
	if err != nil {
		return PollSummary{}, fmt.Errorf("failed to list poll candidates without provider id: %w", err)
	}

	if remaining := j.cfg.BatchLimit - len(candidates); remaining > 0 {
		withID, err := j.messages.ListPollCandidates(ctx, repository.PollCandidateQuery{
			Statuses:       domain.TransientStatuses(),
			CreatedBefore:  cutoff,
			WithProviderID: true,
			Limit:          remaining,
		})
		if err != nil {
			return PollSummary{}, fmt.Errorf("failed to list poll candidates with provider id: %w", err)
		}
		candidates = append(candidates, withID...)
	}

	summary := PollSummary{Checked: len(candidates)}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		msg := &candidates[i]
		polled, err := j.poll(ctx, msg, now)
		if err != nil {
			j.logger.Error("failed to poll message status",
				zap.String("messageId", msg.ID),
				zap.String("driver", msg.Driver),
				zap.Error(err),
			)
			continue
		}
		if polled {
			summary.Polled++
		}
	}

	j.metrics.ObservePollRun(summary.Checked)
	j.logger.Info("status poll run completed",
		zap.Int("checked", summary.Checked),
		zap.Int("polled", summary.Polled),
	)

	return summary, nil
}

// poll examines one candidate. It returns false when the row was skipped.
func (j *StatusPollJob) poll(ctx context.Context, msg *domain.Message, now time.Time) (bool, error) {
	attempts := msg.Metadata.PollAttempts()
	if msg.Status == domain.StatusQueued && attempts >= j.cfg.QueuedMaxAttempts {
		return false, nil
	}
	if attempts >= j.cfg.MaxAttempts {
		return false, nil
	}
	if last, ok := msg.Metadata.LastPollAt(); ok && now.Sub(last) < j.cfg.Backoff {
		return false, nil
	}

	sender, err := j.drivers.SenderFor(msg.Driver, provider.DriverConfig{})
	if err != nil {
		j.logger.Debug("skipping poll for unavailable driver",
			zap.String("messageId", msg.ID),
			zap.String("driver", msg.Driver),
			zap.Error(err),
		)
		return false, nil
	}
	fetcher, ok := provider.Poller(sender)
	if !ok {
		return false, nil
	}

	if !msg.HasProviderMessageID() {
		return true, j.resolveMissingProviderID(ctx, msg, attempts)
	}

	args := j.args.ArgsFor(msg.Driver, msg)
	reported, ok, err := fetcher.FetchStatus(ctx, args[0], args[1:]...)
	if err != nil {
		j.logger.Warn("provider status fetch failed",
			zap.String("messageId", msg.ID),
			zap.String("driver", msg.Driver),
			zap.String("providerMessageId", msg.ProviderID()),
			zap.Error(err),
		)
		return true, j.update(ctx, msg, msg.Status, domain.Metadata{domain.MetaPollNote: pollNoteFetchFailed}, observability.PollOutcomeFetchFailed)
	}
	if !ok {
		return true, j.update(ctx, msg, msg.Status, domain.Metadata{domain.MetaPollNote: pollNoteNoStatus}, observability.PollOutcomeNoStatus)
	}

	next, transition := domain.ReconcileStatus(msg.Status, reported)
	switch transition {
	case domain.TransitionTerminal:
		return true, j.update(ctx, msg, next, domain.Metadata{domain.MetaPollTerminal: true}, observability.PollOutcomeTerminal)
	case domain.TransitionPromoted:
		return true, j.update(ctx, msg, next, domain.Metadata{
			domain.MetaPollPromoted:  true,
			domain.MetaPollTransient: next.String(),
		}, observability.PollOutcomePromoted)
	default:
		return true, j.update(ctx, msg, msg.Status, nil, observability.PollOutcomeRetained)
	}
}

// resolveMissingProviderID handles rows that never received a provider id.
// Nothing can be fetched, so they are capped and then marked Ambiguous.
func (j *StatusPollJob) resolveMissingProviderID(ctx context.Context, msg *domain.Message, attempts int) error {
	next := attempts + 1

	switch msg.Status {
	case domain.StatusQueued:
		if next >= j.cfg.QueuedMaxAttempts {
			return j.update(ctx, msg, domain.StatusAmbiguous, domain.Metadata{
				domain.MetaPollTerminal:      true,
				domain.MetaProviderIDMissing: true,
			}, observability.PollOutcomeAmbiguous)
		}
		return j.update(ctx, msg, domain.StatusQueued, domain.Metadata{
			domain.MetaProviderIDMissingPending: true,
		}, observability.PollOutcomeProviderIDPending)
	case domain.StatusSending:
		if next >= j.cfg.MaxAttempts {
			return j.update(ctx, msg, domain.StatusAmbiguous, domain.Metadata{
				domain.MetaPollTerminal:             true,
				domain.MetaProviderIDMissing:        true,
				domain.MetaProviderIDMissingSending: true,
			}, observability.PollOutcomeAmbiguous)
		}
		return j.update(ctx, msg, domain.StatusSending, domain.Metadata{
			domain.MetaProviderIDMissingPending: true,
		}, observability.PollOutcomeProviderIDPending)
	default:
		return j.update(ctx, msg, domain.StatusAmbiguous, domain.Metadata{
			domain.MetaPollTerminal:          true,
			domain.MetaProviderIDMissing:     true,
			domain.MetaProviderIDMissingSent: true,
		}, observability.PollOutcomeAmbiguous)
	}
}

func (j *StatusPollJob) update(
	ctx context.Context,
	msg *domain.Message,
	status domain.Status,
	extra domain.Metadata,
	outcome string,
) error {
	if _, err := j.messages.UpdatePolledStatus(ctx, msg, status, extra); err != nil {
		return fmt.Errorf("failed to update polled status: %w", err)
	}
	j.metrics.IncPollOutcome(msg.Driver, outcome)
	return nil
}
