package anchor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-cas/anchor"
	clocktest "github.com/ceramicnetwork/go-cas/clock/testing"
	"github.com/ceramicnetwork/go-cas/db/memdb"
	"github.com/ceramicnetwork/go-cas/models"
)

func testCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	hash, err := mh.Sum([]byte(seed), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, hash)
}

func testStreamID(t *testing.T, seed string) string {
	t.Helper()
	return models.StreamID{Type: 0, Genesis: testCID(t, "genesis-"+seed)}.String()
}

func pendingRequest(stream, commit string, ts time.Time) *models.Request {
	return &models.Request{
		CID:       commit,
		StreamID:  stream,
		Status:    models.RequestPending,
		Timestamp: ts,
	}
}

func TestSelect_OneCandidatePerStreamNewestWins(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	anchors := memdb.NewAnchorStore(clk)
	metadata := memdb.NewMetadataStore(clk)
	sel := anchor.NewSelector(anchors, metadata)

	stream := testStreamID(t, "s1")
	older := pendingRequest(stream, testCID(t, "a").String(), time.Unix(1000, 0))
	newer := pendingRequest(stream, testCID(t, "b").String(), time.Unix(1001, 0))

	groups, err := sel.Select(context.Background(), []*models.Request{older, newer}, 0)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 1)
	c := groups.Accepted[0]
	require.Equal(t, newer.CID, c.Request.CID)
	require.Len(t, c.Replaced, 1)
	require.Equal(t, older.CID, c.Replaced[0].CID)
}

func TestSelect_SortsByTimestampThenStream(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	sel := anchor.NewSelector(memdb.NewAnchorStore(clk), memdb.NewMetadataStore(clk))

	sa, sb := testStreamID(t, "a"), testStreamID(t, "b")
	late := pendingRequest(sa, testCID(t, "late").String(), time.Unix(2000, 0))
	early := pendingRequest(sb, testCID(t, "early").String(), time.Unix(1000, 0))

	groups, err := sel.Select(context.Background(), []*models.Request{late, early}, 0)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 2)
	require.Equal(t, early.CID, groups.Accepted[0].Request.CID)
	require.Equal(t, late.CID, groups.Accepted[1].Request.CID)
}

func TestSelect_AlreadyAnchoredExcluded(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	anchors := memdb.NewAnchorStore(clk)
	requests := memdb.NewRequestStore(testDBConfig, clk, anchors)
	sel := anchor.NewSelector(anchors, memdb.NewMetadataStore(clk))
	ctx := context.Background()

	anchored, err := requests.CreateOrUpdate(ctx, pendingRequest(testStreamID(t, "s1"), testCID(t, "a").String(), time.Unix(1000, 0)))
	require.NoError(t, err)
	fresh, err := requests.CreateOrUpdate(ctx, pendingRequest(testStreamID(t, "s2"), testCID(t, "b").String(), time.Unix(1000, 0)))
	require.NoError(t, err)
	_, err = anchors.CreateAnchors(ctx, []*models.Anchor{{RequestID: anchored.ID, CID: "c", ProofCID: "p", Path: "0"}})
	require.NoError(t, err)

	groups, err := sel.Select(ctx, []*models.Request{anchored, fresh}, 0)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 1)
	require.Equal(t, fresh.ID, groups.Accepted[0].Request.ID)
	require.Len(t, groups.AlreadyAnchored, 1)
	require.True(t, groups.AlreadyAnchored[0].AlreadyAnchored)
}

func TestSelect_TruncatesToLimit(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	sel := anchor.NewSelector(memdb.NewAnchorStore(clk), memdb.NewMetadataStore(clk))

	var batch []*models.Request
	for i := 0; i < 5; i++ {
		batch = append(batch, pendingRequest(
			testStreamID(t, fmt.Sprintf("s%d", i)),
			testCID(t, fmt.Sprintf("c%d", i)).String(),
			time.Unix(int64(1000+i), 0)))
	}

	groups, err := sel.Select(context.Background(), batch, 4)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 4)
	require.Len(t, groups.Unprocessed, 1)
	// The oldest four are kept; the newest overflows.
	require.Equal(t, batch[4].CID, groups.Unprocessed[0].Request.CID)
}

func TestSelect_BadCommitCIDFails(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	sel := anchor.NewSelector(memdb.NewAnchorStore(clk), memdb.NewMetadataStore(clk))

	bad := pendingRequest(testStreamID(t, "s1"), "not-a-cid", time.Unix(1000, 0))
	good := pendingRequest(testStreamID(t, "s2"), testCID(t, "ok").String(), time.Unix(1000, 0))

	groups, err := sel.Select(context.Background(), []*models.Request{bad, good}, 0)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 1)
	require.Len(t, groups.Failed, 1)
	require.Equal(t, bad.CID, groups.Failed[0].Request.CID)
}

func TestSelect_AttachesMetadata(t *testing.T) {
	clk := clocktest.NewFakeClock(time.Unix(10_000, 0))
	metadata := memdb.NewMetadataStore(clk)
	sel := anchor.NewSelector(memdb.NewAnchorStore(clk), metadata)
	ctx := context.Background()

	stream := testStreamID(t, "s1")
	require.NoError(t, metadata.CreateOrUpdate(ctx, &models.StreamMetadata{
		StreamID:    stream,
		Controllers: []string{"did:key:ctrl"},
		Model:       "model-1",
	}))

	groups, err := sel.Select(ctx, []*models.Request{
		pendingRequest(stream, testCID(t, "a").String(), time.Unix(1000, 0)),
	}, 0)
	require.NoError(t, err)
	require.Len(t, groups.Accepted, 1)
	require.Equal(t, "model-1", groups.Accepted[0].Model())
	require.Equal(t, "did:key:ctrl", groups.Accepted[0].FirstController())
}
