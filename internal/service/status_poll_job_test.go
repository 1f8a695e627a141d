package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

var pollNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPollConfig() PollConfig {
	return PollConfig{
		Enabled:           true,
		Interval:          time.Minute,
		MinAge:            60 * time.Second,
		MaxAttempts:       5,
		QueuedMaxAttempts: 2,
		Backoff:           300 * time.Second,
		BatchLimit:        100,
	}
}

func newTestPollJob(t *testing.T, sender provider.Sender, repo *fakeMessageRepo, args ArgsResolver) *StatusPollJob {
	t.Helper()

	job, err := NewStatusPollJob(repo, newTestManager(t, sender), args, testPollConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusPollJob() error = %v", err)
	}
	job.now = func() time.Time { return pollNow }
	return job
}

func pollMessage(status domain.Status, providerID string, meta domain.Metadata) domain.Message {
	msg := domain.Message{
		ID:        "msg-1",
		Direction: domain.DirectionSent,
		Driver:    testDriver,
		Status:    status,
		Metadata:  meta,
		CreatedAt: pollNow.Add(-10 * time.Minute),
	}
	if providerID != "" {
		msg.ProviderMessageID = &providerID
	}
	return msg
}

type polledUpdate struct {
	status domain.Status
	extra  domain.Metadata
}

// singleCandidateRepo serves msg from the matching candidate query and
// records every polled update.
func singleCandidateRepo(msg domain.Message, updates *[]polledUpdate) *fakeMessageRepo {
	return &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			if query.WithProviderID != msg.HasProviderMessageID() {
				return nil, nil
			}
			return []domain.Message{msg}, nil
		},
		updatePolledStatusFn: func(ctx context.Context, m *domain.Message, status domain.Status, extra domain.Metadata) (*domain.Message, error) {
			*updates = append(*updates, polledUpdate{status: status, extra: extra})
			return m, nil
		},
	}
}

func TestNewStatusPollJobValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStatusPollJob(nil, newTestManager(t, &fakeSender{}), nil, testPollConfig(), nil); err == nil {
		t.Fatal("expected error for missing repository")
	}
	if _, err := NewStatusPollJob(&fakeMessageRepo{}, nil, nil, testPollConfig(), nil); err == nil {
		t.Fatal("expected error for missing driver resolver")
	}
}

func TestPollConfigDefaults(t *testing.T) {
	t.Parallel()

	got := PollConfig{Enabled: true}.withDefaults()
	want := DefaultPollConfig()
	if got != want {
		t.Fatalf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestStatusPollJobPollsCandidate(t *testing.T) {
	t.Parallel()

	fetchErr := errors.New("provider down")

	tests := []struct {
		name        string
		msg         domain.Message
		fetchStatus domain.Status
		fetchOK     bool
		fetchErr    error
		wantPolled  bool
		wantStatus  domain.Status
		wantExtra   domain.Metadata
	}{
		{
			name:        "sent to delivered is terminal",
			msg:         pollMessage(domain.StatusSent, "SM1", nil),
			fetchStatus: domain.StatusDelivered,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusDelivered,
			wantExtra:   domain.Metadata{domain.MetaPollTerminal: true},
		},
		{
			name:        "sent to undelivered is terminal",
			msg:         pollMessage(domain.StatusSent, "SM1", nil),
			fetchStatus: domain.StatusUndelivered,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusUndelivered,
			wantExtra:   domain.Metadata{domain.MetaPollTerminal: true},
		},
		{
			name:        "queued to sent is promoted",
			msg:         pollMessage(domain.StatusQueued, "SM1", nil),
			fetchStatus: domain.StatusSent,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusSent,
			wantExtra:   domain.Metadata{domain.MetaPollPromoted: true, domain.MetaPollTransient: "sent"},
		},
		{
			name:        "lower report is retained",
			msg:         pollMessage(domain.StatusSent, "SM1", nil),
			fetchStatus: domain.StatusQueued,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusSent,
		},
		{
			name:       "fetch error keeps status",
			msg:        pollMessage(domain.StatusSent, "SM1", nil),
			fetchErr:   fetchErr,
			wantPolled: true,
			wantStatus: domain.StatusSent,
			wantExtra:  domain.Metadata{domain.MetaPollNote: "fetch-failed"},
		},
		{
			name:       "no status returned",
			msg:        pollMessage(domain.StatusSending, "SM1", nil),
			wantPolled: true,
			wantStatus: domain.StatusSending,
			wantExtra:  domain.Metadata{domain.MetaPollNote: "no-status-returned"},
		},
		{
			name:       "queued without provider id first cycle stays pending",
			msg:        pollMessage(domain.StatusQueued, "", nil),
			wantPolled: true,
			wantStatus: domain.StatusQueued,
			wantExtra:  domain.Metadata{domain.MetaProviderIDMissingPending: true},
		},
		{
			name:       "queued without provider id at cap becomes ambiguous",
			msg:        pollMessage(domain.StatusQueued, "", domain.Metadata{domain.MetaPollAttempts: 1}),
			wantPolled: true,
			wantStatus: domain.StatusAmbiguous,
			wantExtra:  domain.Metadata{domain.MetaPollTerminal: true, domain.MetaProviderIDMissing: true},
		},
		{
			name:       "sending without provider id below cap stays pending",
			msg:        pollMessage(domain.StatusSending, "", domain.Metadata{domain.MetaPollAttempts: 3}),
			wantPolled: true,
			wantStatus: domain.StatusSending,
			wantExtra:  domain.Metadata{domain.MetaProviderIDMissingPending: true},
		},
		{
			name:       "sending without provider id at cap becomes ambiguous",
			msg:        pollMessage(domain.StatusSending, "", domain.Metadata{domain.MetaPollAttempts: 4}),
			wantPolled: true,
			wantStatus: domain.StatusAmbiguous,
			wantExtra: domain.Metadata{
				domain.MetaPollTerminal:             true,
				domain.MetaProviderIDMissing:        true,
				domain.MetaProviderIDMissingSending: true,
			},
		},
		{
			name:       "sent without provider id is ambiguous immediately",
			msg:        pollMessage(domain.StatusSent, "", nil),
			wantPolled: true,
			wantStatus: domain.StatusAmbiguous,
			wantExtra: domain.Metadata{
				domain.MetaPollTerminal:          true,
				domain.MetaProviderIDMissing:     true,
				domain.MetaProviderIDMissingSent: true,
			},
		},
		{
			name: "queued at queued cap is skipped",
			msg:  pollMessage(domain.StatusQueued, "SM1", domain.Metadata{domain.MetaPollAttempts: 2}),
		},
		{
			name: "attempt cap reached is skipped",
			msg:  pollMessage(domain.StatusSent, "SM1", domain.Metadata{domain.MetaPollAttempts: 5}),
		},
		{
			name: "inside backoff window is skipped",
			msg: pollMessage(domain.StatusSent, "SM1", domain.Metadata{
				domain.MetaPollAttempts: 1,
				domain.MetaLastPollAt:   domain.FormatPollTime(pollNow.Add(-10 * time.Second)),
			}),
		},
		{
			name: "past backoff window is polled",
			msg: pollMessage(domain.StatusSent, "SM1", domain.Metadata{
				domain.MetaPollAttempts: 1,
				domain.MetaLastPollAt:   domain.FormatPollTime(pollNow.Add(-301 * time.Second)),
			}),
			fetchStatus: domain.StatusDelivered,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusDelivered,
			wantExtra:   domain.Metadata{domain.MetaPollTerminal: true},
		},
		{
			name: "malformed last poll time is treated as never polled",
			msg: pollMessage(domain.StatusSent, "SM1", domain.Metadata{
				domain.MetaLastPollAt: "yesterday-ish",
			}),
			fetchStatus: domain.StatusDelivered,
			fetchOK:     true,
			wantPolled:  true,
			wantStatus:  domain.StatusDelivered,
			wantExtra:   domain.Metadata{domain.MetaPollTerminal: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sender := &fakePollingSender{
				fetchFn: func(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error) {
					if providerMessageID != "SM1" {
						t.Fatalf("provider id = %q", providerMessageID)
					}
					return tt.fetchStatus, tt.fetchOK, tt.fetchErr
				},
			}

			var updates []polledUpdate
			job := newTestPollJob(t, sender, singleCandidateRepo(tt.msg, &updates), nil)

			summary, err := job.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if summary.Checked != 1 {
				t.Fatalf("checked = %d, want 1", summary.Checked)
			}

			if !tt.wantPolled {
				if len(updates) != 0 || summary.Polled != 0 {
					t.Fatalf("updates = %+v, want none", updates)
				}
				return
			}

			if len(updates) != 1 || summary.Polled != 1 {
				t.Fatalf("updates = %+v, polled = %d", updates, summary.Polled)
			}
			if updates[0].status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", updates[0].status, tt.wantStatus)
			}
			if len(tt.wantExtra) == 0 {
				if len(updates[0].extra) != 0 {
					t.Fatalf("extra = %v, want none", updates[0].extra)
				}
				return
			}
			if !reflect.DeepEqual(updates[0].extra, tt.wantExtra) {
				t.Fatalf("extra = %v, want %v", updates[0].extra, tt.wantExtra)
			}
		})
	}
}

func TestStatusPollJobQueuedWithoutProviderIDBecomesAmbiguousAfterTwoCycles(t *testing.T) {
	t.Parallel()

	row := pollMessage(domain.StatusQueued, "", nil)
	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			if query.WithProviderID || !row.Status.IsTransient() {
				return nil, nil
			}
			return []domain.Message{row}, nil
		},
	}

	job := newTestPollJob(t, &fakePollingSender{}, repo, nil)
	current := pollNow
	job.now = func() time.Time { return current }

	repo.updatePolledStatusFn = func(ctx context.Context, m *domain.Message, status domain.Status, extra domain.Metadata) (*domain.Message, error) {
		meta := row.Metadata.Merge(extra)
		meta[domain.MetaPollAttempts] = row.Metadata.PollAttempts() + 1
		meta[domain.MetaLastPollAt] = domain.FormatPollTime(current)
		row.Metadata = meta
		row.Status = status
		return &row, nil
	}

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}
	if row.Status != domain.StatusQueued || !row.Metadata.Bool(domain.MetaProviderIDMissingPending) {
		t.Fatalf("after first cycle row = %+v", row)
	}

	// Still inside the backoff window.
	current = pollNow.Add(time.Minute)
	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if summary.Polled != 0 || row.Status != domain.StatusQueued {
		t.Fatalf("backoff ignored: summary = %+v, row = %+v", summary, row)
	}

	current = pollNow.Add(6 * time.Minute)
	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("third RunOnce() error = %v", err)
	}
	if row.Status != domain.StatusAmbiguous {
		t.Fatalf("status = %s, want ambiguous", row.Status)
	}
	if !row.Metadata.Bool(domain.MetaPollTerminal) || !row.Metadata.Bool(domain.MetaProviderIDMissing) {
		t.Fatalf("metadata = %v", row.Metadata)
	}
	if row.Metadata.PollAttempts() != 2 {
		t.Fatalf("poll attempts = %d, want 2", row.Metadata.PollAttempts())
	}
}

func TestStatusPollJobCandidateSelection(t *testing.T) {
	t.Parallel()

	var queries []repository.PollCandidateQuery
	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			queries = append(queries, query)
			if !query.WithProviderID {
				return []domain.Message{pollMessage(domain.StatusQueued, "", nil)}, nil
			}
			return nil, nil
		},
	}

	job := newTestPollJob(t, &fakePollingSender{}, repo, nil)
	job.cfg.BatchLimit = 10

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(queries) != 2 {
		t.Fatalf("queries = %d, want 2", len(queries))
	}
	if queries[0].WithProviderID || queries[0].Limit != 10 {
		t.Fatalf("first query = %+v", queries[0])
	}
	if !queries[1].WithProviderID || queries[1].Limit != 9 {
		t.Fatalf("second query = %+v", queries[1])
	}
	wantCutoff := pollNow.Add(-60 * time.Second)
	if !queries[0].CreatedBefore.Equal(wantCutoff) {
		t.Fatalf("cutoff = %s, want %s", queries[0].CreatedBefore, wantCutoff)
	}
	if !reflect.DeepEqual(queries[0].Statuses, domain.TransientStatuses()) {
		t.Fatalf("statuses = %v", queries[0].Statuses)
	}
}

func TestStatusPollJobFullBatchSkipsProviderIDQuery(t *testing.T) {
	t.Parallel()

	calls := 0
	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			calls++
			if query.WithProviderID {
				t.Fatal("provider id query should not run when the batch is full")
			}
			return []domain.Message{pollMessage(domain.StatusQueued, "", nil)}, nil
		},
	}

	job := newTestPollJob(t, &fakePollingSender{}, repo, nil)
	job.cfg.BatchLimit = 1

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("list calls = %d, want 1", calls)
	}
}

func TestStatusPollJobSkipsUnpollableDrivers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		driver string
		sender provider.Sender
	}{
		{name: "driver without polling", driver: testDriver, sender: &fakeSender{}},
		{name: "unknown driver", driver: "carrier-pigeon", sender: &fakePollingSender{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg := pollMessage(domain.StatusSent, "SM1", nil)
			msg.Driver = tt.driver

			var updates []polledUpdate
			job := newTestPollJob(t, tt.sender, singleCandidateRepo(msg, &updates), nil)

			summary, err := job.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if summary.Polled != 0 || len(updates) != 0 {
				t.Fatalf("updates = %+v, want none", updates)
			}
		})
	}
}

func TestStatusPollJobPassesAuxiliaryArgs(t *testing.T) {
	t.Parallel()

	var gotExtra []string
	sender := &fakePollingSender{
		fetchFn: func(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error) {
			gotExtra = extra
			return domain.StatusDelivered, true, nil
		},
	}

	resolver := provider.NewPollingParameterResolver()
	resolver.Register(testDriver, func(msg *domain.Message) []string {
		return []string{msg.Metadata.String(domain.MetaConversationSID)}
	})

	var updates []polledUpdate
	msg := pollMessage(domain.StatusSent, "SM1", domain.Metadata{domain.MetaConversationSID: "CH1"})
	job := newTestPollJob(t, sender, singleCandidateRepo(msg, &updates), resolver)

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !reflect.DeepEqual(gotExtra, []string{"CH1"}) {
		t.Fatalf("extra args = %v, want [CH1]", gotExtra)
	}
}

func TestStatusPollJobContinuesOnUpdateError(t *testing.T) {
	t.Parallel()

	first := pollMessage(domain.StatusSent, "SM1", nil)
	second := pollMessage(domain.StatusSent, "SM1", nil)
	second.ID = "msg-2"

	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			if !query.WithProviderID {
				return nil, nil
			}
			return []domain.Message{first, second}, nil
		},
		updatePolledStatusFn: func(ctx context.Context, m *domain.Message, status domain.Status, extra domain.Metadata) (*domain.Message, error) {
			if m.ID == "msg-1" {
				return nil, errors.New("db down")
			}
			return m, nil
		},
	}
	sender := &fakePollingSender{
		fetchFn: func(ctx context.Context, providerMessageID string, extra ...string) (domain.Status, bool, error) {
			return domain.StatusDelivered, true, nil
		},
	}

	job := newTestPollJob(t, sender, repo, nil)
	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.Checked != 2 || summary.Polled != 1 {
		t.Fatalf("summary = %+v, want checked 2 polled 1", summary)
	}
}

func TestStatusPollJobListError(t *testing.T) {
	t.Parallel()

	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			return nil, errors.New("db down")
		},
	}

	job := newTestPollJob(t, &fakePollingSender{}, repo, nil)
	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() expected error")
	}
}

func TestStatusPollJobDisabled(t *testing.T) {
	t.Parallel()

	repo := &fakeMessageRepo{
		listPollCandidatesFn: func(ctx context.Context, query repository.PollCandidateQuery) ([]domain.Message, error) {
			t.Fatal("disabled job must not query candidates")
			return nil, nil
		},
	}

	cfg := testPollConfig()
	cfg.Enabled = false
	job, err := NewStatusPollJob(repo, newTestManager(t, &fakePollingSender{}), nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewStatusPollJob() error = %v", err)
	}

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestStatusPollJobStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := newTestPollJob(t, &fakePollingSender{}, &fakeMessageRepo{}, nil)
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
