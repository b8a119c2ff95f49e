package memdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clocktest "github.com/ceramicnetwork/go-cas/clock/testing"
	"github.com/ceramicnetwork/go-cas/db"
	"github.com/ceramicnetwork/go-cas/models"
)

var testConfig = db.Config{
	MaxAnchoringDelay:  12 * time.Hour,
	ProcessingTimeout:  3 * time.Hour,
	ReadyTimeout:       time.Hour,
	FailureRetryWindow: 48 * time.Hour,
	RequestExpiry:      30 * 24 * time.Hour,
}

func newStores(t *testing.T) (*RequestStore, *AnchorStore, *clocktest.FakeClock) {
	t.Helper()
	clk := clocktest.NewFakeClock(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	anchors := NewAnchorStore(clk)
	return NewRequestStore(testConfig, clk, anchors), anchors, clk
}

func addRequest(t *testing.T, s *RequestStore, stream, commit string) *models.Request {
	t.Helper()
	r, err := s.CreateOrUpdate(context.Background(), &models.Request{
		CID:      commit,
		StreamID: stream,
		Status:   models.RequestPending,
	})
	require.NoError(t, err)
	return r
}

func TestCreateOrUpdate_DuplicateCIDReturnsExisting(t *testing.T) {
	s, _, _ := newStores(t)
	ctx := context.Background()

	first := addRequest(t, s, "stream-a", "commit-1")
	again, err := s.CreateOrUpdate(ctx, &models.Request{CID: "commit-1", StreamID: "stream-a"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	count, err := s.CountByStatus(ctx, models.RequestPending)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMarkPreviousReplaced(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	older := addRequest(t, s, "stream-a", "commit-1")
	clk.Advance(time.Minute)
	failed := addRequest(t, s, "stream-a", "commit-2")
	_, err := s.UpdateRequests(ctx, models.StatusUpdate(models.RequestFailed), []*models.Request{failed})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	otherStream := addRequest(t, s, "stream-b", "commit-3")
	clk.Advance(time.Minute)
	newest := addRequest(t, s, "stream-a", "commit-4")

	count, err := s.MarkPreviousReplaced(ctx, newest)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	for _, id := range []string{older.CID, failed.CID} {
		r, err := s.FindByCID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.RequestReplaced, r.Status)
	}
	r, err := s.FindByCID(ctx, otherStream.CID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, r.Status)
	r, err = s.FindByCID(ctx, newest.CID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, r.Status)
}

func TestFindAndMarkReady_MinStreamsGate(t *testing.T) {
	s, _, _ := newStores(t)
	ctx := context.Background()

	addRequest(t, s, "stream-a", "commit-1")
	addRequest(t, s, "stream-b", "commit-2")

	// Two eligible streams, gate at three: nothing promotes.
	promoted, err := s.FindAndMarkReady(ctx, 10, 3)
	require.NoError(t, err)
	require.Empty(t, promoted)
	count, err := s.CountByStatus(ctx, models.RequestReady)
	require.NoError(t, err)
	require.Zero(t, count)

	addRequest(t, s, "stream-c", "commit-3")
	promoted, err = s.FindAndMarkReady(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, promoted, 3)
	for _, r := range promoted {
		require.Equal(t, models.RequestReady, r.Status)
	}
}

func TestFindAndMarkReady_MaxAnchoringDelayOverridesGate(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	stale := addRequest(t, s, "stream-a", "commit-1")
	clk.Advance(testConfig.MaxAnchoringDelay + time.Minute)

	promoted, err := s.FindAndMarkReady(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, stale.ID, promoted[0].ID)
}

func TestFindAndMarkReady_SkipsConflictRejectedAndStaleFailures(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	rejected := addRequest(t, s, "stream-a", "commit-1")
	msg := models.ConflictResolutionRejection
	failed := models.RequestFailed
	_, err := s.UpdateRequests(ctx, models.RequestUpdate{Status: &failed, Message: &msg}, []*models.Request{rejected})
	require.NoError(t, err)

	tooOld := addRequest(t, s, "stream-b", "commit-2")
	_, err = s.UpdateRequests(ctx, models.StatusUpdate(models.RequestFailed), []*models.Request{tooOld})
	require.NoError(t, err)
	clk.Advance(testConfig.FailureRetryWindow + time.Minute)

	retryable := addRequest(t, s, "stream-c", "commit-3")
	_, err = s.UpdateRequests(ctx, models.StatusUpdate(models.RequestFailed), []*models.Request{retryable})
	require.NoError(t, err)

	promoted, err := s.FindAndMarkReady(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, retryable.ID, promoted[0].ID)
}

func TestFindAndMarkReady_ReclaimsTimedOutProcessing(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	stuck := addRequest(t, s, "stream-a", "commit-1")
	_, err := s.UpdateRequests(ctx, models.StatusUpdate(models.RequestProcessing), []*models.Request{stuck})
	require.NoError(t, err)

	// Still inside the processing timeout: the worker owns it.
	promoted, err := s.FindAndMarkReady(ctx, 10, 1)
	require.NoError(t, err)
	require.Empty(t, promoted)

	clk.Advance(testConfig.ProcessingTimeout + time.Minute)
	promoted, err = s.FindAndMarkReady(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, stuck.ID, promoted[0].ID)
}

func TestFindAndMarkReady_MaxStreamsOldestFirst(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	var first *models.Request
	for i := 0; i < 5; i++ {
		r := addRequest(t, s, fmt.Sprintf("stream-%d", i), fmt.Sprintf("commit-%d", i))
		if first == nil {
			first = r
		}
		clk.Advance(time.Second)
	}

	promoted, err := s.FindAndMarkReady(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	require.Equal(t, first.ID, promoted[0].ID)
}

func TestBatchProcessing_TakesOldestReady(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		addRequest(t, s, fmt.Sprintf("stream-%d", i), fmt.Sprintf("commit-%d", i))
		clk.Advance(time.Second)
	}
	_, err := s.FindAndMarkReady(ctx, 10, 1)
	require.NoError(t, err)

	taken, err := s.BatchProcessing(ctx, 3)
	require.NoError(t, err)
	require.Len(t, taken, 3)
	for _, r := range taken {
		require.Equal(t, models.RequestProcessing, r.Status)
	}

	remaining, err := s.CountByStatus(ctx, models.RequestReady)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
}

func TestUpdateExpiringReadyRequests(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	r := addRequest(t, s, "stream-a", "commit-1")
	_, err := s.FindAndMarkReady(ctx, 10, 1)
	require.NoError(t, err)

	count, err := s.UpdateExpiringReadyRequests(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	clk.Advance(testConfig.ReadyTimeout + time.Minute)
	count, err = s.UpdateExpiringReadyRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	refreshed, err := s.FindByCID(ctx, r.CID)
	require.NoError(t, err)
	require.Equal(t, clk.Now(), refreshed.UpdatedAt)
}

func TestCompleteBatch(t *testing.T) {
	s, anchors, _ := newStores(t)
	ctx := context.Background()

	r1 := addRequest(t, s, "stream-a", "commit-1")
	r2 := addRequest(t, s, "stream-b", "commit-2")

	err := s.CompleteBatch(ctx, []*models.Anchor{
		{RequestID: r1.ID, CID: "anchor-1", ProofCID: "proof-1", Path: "0/0"},
		{RequestID: r2.ID, CID: "anchor-2", ProofCID: "proof-1", Path: "0/1"},
	}, []*models.Request{r1, r2})
	require.NoError(t, err)

	for _, r := range []*models.Request{r1, r2} {
		stored, err := s.FindByCID(ctx, r.CID)
		require.NoError(t, err)
		require.Equal(t, models.RequestCompleted, stored.Status)
		require.True(t, stored.Pinned)
		a, err := anchors.FindByRequest(ctx, r)
		require.NoError(t, err)
		require.Equal(t, "proof-1", a.ProofCID)
	}

	// Replaying the persist step must not duplicate anchors.
	err = s.CompleteBatch(ctx, []*models.Anchor{
		{RequestID: r1.ID, CID: "anchor-1b", ProofCID: "proof-2", Path: "1"},
	}, []*models.Request{r1})
	require.NoError(t, err)
	a, err := anchors.FindByRequest(ctx, r1)
	require.NoError(t, err)
	require.Equal(t, "proof-1", a.ProofCID)
}

func TestFindRequestsToGarbageCollect(t *testing.T) {
	s, _, clk := newStores(t)
	ctx := context.Background()

	expired := addRequest(t, s, "stream-a", "commit-1")
	completed := models.RequestCompleted
	pinned := true
	_, err := s.UpdateRequests(ctx, models.RequestUpdate{Status: &completed, Pinned: &pinned}, []*models.Request{expired})
	require.NoError(t, err)

	clk.Advance(testConfig.RequestExpiry / 2)

	// stream-b expires too, but gets fresh activity afterwards.
	active := addRequest(t, s, "stream-b", "commit-2")
	_, err = s.UpdateRequests(ctx, models.RequestUpdate{Status: &completed, Pinned: &pinned}, []*models.Request{active})
	require.NoError(t, err)

	clk.Advance(testConfig.RequestExpiry/2 + time.Minute)

	collectable, err := s.FindRequestsToGarbageCollect(ctx)
	require.NoError(t, err)
	require.Len(t, collectable, 1)
	require.Equal(t, expired.ID, collectable[0].ID)

	clk.Advance(testConfig.RequestExpiry)
	addRequest(t, s, "stream-a", "commit-3")
	collectable, err = s.FindRequestsToGarbageCollect(ctx)
	require.NoError(t, err)
	for _, r := range collectable {
		require.NotEqual(t, "stream-a", r.StreamID)
	}
}

func TestWithTransactionMutex_Exclusive(t *testing.T) {
	s, _, _ := newStores(t)
	ctx := context.Background()

	ran := false
	err := s.WithTransactionMutex(ctx, "anchor", 3, time.Millisecond, func(ctx context.Context) error {
		ran = true
		return s.WithTransactionMutex(ctx, "anchor", 1, time.Millisecond, func(context.Context) error {
			t.Fatal("nested acquisition must not run")
			return nil
		})
	})
	require.True(t, ran)
	require.ErrorIs(t, err, db.ErrMutexUnavailable)
}
