package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
	"github.com/nyashahama/workspace-billing-backend/internal/store/memstore"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
	"github.com/nyashahama/workspace-billing-backend/internal/stripe/stripetest"
)

const ref = "6650000000000000000000bb"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, members int, seatQty int64) (*memstore.Store, *stripetest.Fake) {
	t.Helper()
	st := memstore.New()
	st.PutMember(store.Member{ID: "m_owner", UserID: "u_owner", OrganizationID: ref, Role: store.RoleOwner})
	for i := range members {
		st.PutMember(store.Member{ID: "m_" + string(rune('a'+i)), UserID: "u_" + string(rune('a'+i)), OrganizationID: ref, Role: store.RoleMember})
	}
	st.PutSubscription(store.Subscription{ReferenceID: ref, StripeSubscriptionID: "sub_1", Plan: "pme", SeatSyncPending: true})

	fake := stripetest.New()
	items := []stripeinternal.SubscriptionItem{{ID: "si_base", PriceID: "price_pme_m", Quantity: 1}}
	if seatQty > 0 {
		items = append(items, stripeinternal.SubscriptionItem{ID: "si_seat", PriceID: "price_seat", Quantity: seatQty})
	}
	fake.Subscriptions["sub_1"] = stripeinternal.Subscription{ID: "sub_1", Items: items}
	return st, fake
}

func newTestJob(st *memstore.Store, fake *stripetest.Fake) *Job {
	j := NewJob(fake, st, "price_seat", nil, discard())
	j.now = func() time.Time { return time.Unix(1760866234, 0) }
	return j
}

// ─── Job ──────────────────────────────────────────────────────────────────────

func TestJob_CreatesSeatItem(t *testing.T) {
	st, fake := seed(t, 2, 0)

	require.NoError(t, newTestJob(st, fake).Run(context.Background(), ref))

	calls := fake.CallsTo("CreateSubscriptionItem")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(2), calls[0].Quantity)
	assert.Equal(t, "price_seat", calls[0].PriceID)
	assert.True(t, strings.HasPrefix(calls[0].IdempotencyKey, "seat-add-"+ref+"-"))

	sub, _ := st.GetSubscriptionByReference(context.Background(), ref)
	assert.Equal(t, 2, sub.SeatQuantity)
	assert.False(t, sub.SeatSyncPending)
}

func TestJob_ResizesSeatItem(t *testing.T) {
	st, fake := seed(t, 3, 1)

	require.NoError(t, newTestJob(st, fake).Run(context.Background(), ref))

	calls := fake.CallsTo("UpdateSubscriptionItemQuantity")
	require.Len(t, calls, 1)
	assert.Equal(t, "si_seat", calls[0].ItemID)
	assert.Equal(t, int64(3), calls[0].Quantity)
}

func TestJob_RemovesSeatItemWhenOwnerIsAlone(t *testing.T) {
	st, fake := seed(t, 0, 2)

	require.NoError(t, newTestJob(st, fake).Run(context.Background(), ref))

	calls := fake.CallsTo("DeleteSubscriptionItem")
	require.Len(t, calls, 1)
	assert.Equal(t, "si_seat", calls[0].ItemID)
	assert.Len(t, fake.Subscriptions["sub_1"].Items, 1)
}

func TestJob_NoChangeWhenInSync(t *testing.T) {
	st, fake := seed(t, 2, 2)

	require.NoError(t, newTestJob(st, fake).Run(context.Background(), ref))
	assert.Empty(t, fake.Calls)

	sub, _ := st.GetSubscriptionByReference(context.Background(), ref)
	assert.False(t, sub.SeatSyncPending)
}

func TestJob_ProviderErrorKeepsPendingFlag(t *testing.T) {
	st, fake := seed(t, 1, 0)
	fake.MutationErr = errors.New("rate limited")

	err := newTestJob(st, fake).Run(context.Background(), ref)
	require.Error(t, err)

	sub, _ := st.GetSubscriptionByReference(context.Background(), ref)
	assert.True(t, sub.SeatSyncPending)
}

func TestJob_UnknownSubscription(t *testing.T) {
	st, fake := seed(t, 1, 0)
	err := newTestJob(st, fake).Run(context.Background(), "org_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ─── Runner ───────────────────────────────────────────────────────────────────

type stubSyncer struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	done  chan string
}

func newStubSyncer(err error) *stubSyncer {
	return &stubSyncer{calls: map[string]int{}, err: err, done: make(chan string, 16)}
}

func (s *stubSyncer) Run(_ context.Context, ref string) error {
	s.mu.Lock()
	s.calls[ref]++
	s.mu.Unlock()
	s.done <- ref
	return s.err
}

func (s *stubSyncer) count(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ref]
}

func fastConfig() RunnerConfig {
	return RunnerConfig{Workers: 1, PollInterval: time.Hour, JobTimeout: time.Second, MaxRetries: 3, Backoff: time.Millisecond}
}

func TestRunner_PollerPicksUpPendingSubscriptions(t *testing.T) {
	st, _ := seed(t, 0, 0)
	job := newStubSyncer(nil)
	r := NewRunner(job, st, fastConfig(), nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	select {
	case got := <-job.done:
		assert.Equal(t, ref, got)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not pick up the pending subscription")
	}
}

func TestRunner_MarksFailedAfterRetries(t *testing.T) {
	st, _ := seed(t, 0, 0)
	job := newStubSyncer(errors.New("provider down"))
	r := NewRunner(job, st, fastConfig(), nil, discard())

	r.runWithRetry(context.Background(), ref, discard())

	assert.Equal(t, 3, job.count(ref))
	sub, _ := st.GetSubscriptionByReference(context.Background(), ref)
	assert.False(t, sub.SeatSyncPending)
	assert.Equal(t, "provider down", sub.SeatSyncError)
}

func TestRunner_EnqueueFlagsSubscription(t *testing.T) {
	st, _ := seed(t, 0, 0)
	require.NoError(t, st.SetSeatQuantity(context.Background(), ref, 0, time.Now()))

	r := NewRunner(newStubSyncer(nil), st, fastConfig(), nil, discard())
	require.NoError(t, r.Enqueue(context.Background(), ref))

	sub, _ := st.GetSubscriptionByReference(context.Background(), ref)
	assert.True(t, sub.SeatSyncPending)
	assert.Equal(t, ref, <-r.queue)
}

func TestRunner_EnqueueFullQueue(t *testing.T) {
	st, _ := seed(t, 0, 0)
	r := NewRunner(newStubSyncer(nil), st, fastConfig(), nil, discard())

	// Workers*2 slots.
	require.NoError(t, r.Enqueue(context.Background(), ref))
	require.NoError(t, r.Enqueue(context.Background(), ref))
	assert.Error(t, r.Enqueue(context.Background(), ref))
}
