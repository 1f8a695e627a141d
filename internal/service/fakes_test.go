package service

import (
	"context"
	"sync"
	"testing"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
)

const testDriver = "fake"

type fakeMessageRepo struct {
	storeSentFn          func(ctx context.Context, result domain.SentMessageResult) (*domain.Message, error)
	storeInboundFn       func(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
	storeStatusFn        func(ctx context.Context, result domain.WebhookResult) (*domain.Message, error)
	updatePolledStatusFn func(ctx context.Context, msg *domain.Message, status domain.Status, extra domain.Metadata) (*domain.Message, error)
	upgradeQueuedFn      func(ctx context.Context, id string, result domain.SentMessageResult) (*domain.Message, error)
	getByIDFn            func(ctx context.Context, id string) (*domain.Message, error)
	listPollCandidatesFn func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error)
}

func (f *fakeMessageRepo) StoreSent(ctx context.Context, result domain.SentMessageResult) (*domain.Message, error) {
	if f.storeSentFn != nil {
		return f.storeSentFn(ctx, result)
	}
	return &domain.Message{ID: "stored-1", Driver: result.Driver, Status: result.Status}, nil
}

func (f *fakeMessageRepo) StoreInbound(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	if f.storeInboundFn != nil {
		return f.storeInboundFn(ctx, result)
	}
	return &domain.Message{ID: "inbound-1", Driver: result.Driver, Direction: domain.DirectionReceived, Status: domain.StatusReceived}, nil
}

func (f *fakeMessageRepo) StoreStatus(ctx context.Context, result domain.WebhookResult) (*domain.Message, error) {
	if f.storeStatusFn != nil {
		return f.storeStatusFn(ctx, result)
	}
	return nil, nil
}

func (f *fakeMessageRepo) UpdatePolledStatus(
	ctx context.Context,
	msg *domain.Message,
	status domain.Status,
	extra domain.Metadata,
) (*domain.Message, error) {
	if f.updatePolledStatusFn != nil {
		return f.updatePolledStatusFn(ctx, msg, status, extra)
	}
	return msg, nil
}

func (f *fakeMessageRepo) UpgradeQueued(ctx context.Context, id string, result domain.SentMessageResult) (*domain.Message, error) {
	if f.upgradeQueuedFn != nil {
		return f.upgradeQueuedFn(ctx, id, result)
	}
	return nil, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeMessageRepo) ListPollCandidates(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
	if f.listPollCandidatesFn != nil {
		return f.listPollCandidatesFn(ctx, query)
	}
	return nil, nil
}

type fakePublisher struct {
	mu               sync.Mutex
	publishSendJobFn func(ctx context.Context, job queue.SendJob) error
	publishEventFn   func(ctx context.Context, event queue.MessageEvent) error
	jobs             []queue.SendJob
	events           []queue.MessageEvent
}

func (f *fakePublisher) PublishSendJob(ctx context.Context, job queue.SendJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.publishSendJobFn != nil {
		return f.publishSendJobFn(ctx, job)
	}
	return nil
}

func (f *fakePublisher) PublishEvent(ctx context.Context, event queue.MessageEvent) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if f.publishEventFn != nil {
		return f.publishEventFn(ctx, event)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

func (f *fakePublisher) eventTypes() []queue.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.JobHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.JobHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, driver string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, driver string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, driver string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, driver)
	}
	return nil
}

type fakeSender struct {
	sendFn func(ctx context.Context, req provider.SendRequest) (domain.SentMessageResult, error)
}

func (f *fakeSender) Name() string { return testDriver }

func (f *fakeSender) Send(ctx context.Context, req provider.SendRequest) (domain.SentMessageResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return domain.NewSentMessageResult(testDriver, req.To, req.From, req.Body, req.MediaURLs, req.Metadata, domain.StatusSent, "prov-1"), nil
}

type fakePollingSender struct {
	fakeSender
	fetchFn func(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error)
}

func (f *fakePollingSender) FetchStatus(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, providerMessageID, extra...)
	}
	return "", false, nil
}

// newTestManager returns a manager whose default driver is backed by sender.
func newTestManager(t *testing.T, sender provider.Sender) *provider.Manager {
	t.Helper()

	manager := provider.NewManager(provider.ManagerConfig{
		DefaultDriver: testDriver,
		Drivers: map[string]provider.DriverConfig{
			testDriver: {FromNumber: "+15550001111", APIKey: "key"},
		},
	}, nil)
	if err := manager.Extend(testDriver, func(provider.DriverConfig) (provider.Sender, error) {
		return sender, nil
	}); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	return manager
}
