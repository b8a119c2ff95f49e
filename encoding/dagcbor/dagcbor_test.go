package dagcbor_test

import (
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-cas/encoding/dagcbor"
)

func testCID(t *testing.T, data string) cid.Cid {
	t.Helper()
	hash, err := mh.Sum([]byte(data), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, hash)
}

func TestLink_RoundTrip(t *testing.T) {
	c := testCID(t, "some block")
	data, err := dagcbor.Marshal(dagcbor.NewLink(c))
	require.NoError(t, err)

	// Tag 42 over a byte string with the identity multibase prefix.
	require.Equal(t, byte(0xd8), data[0])
	require.Equal(t, byte(42), data[1])

	var got dagcbor.Link
	require.NoError(t, dagcbor.Unmarshal(data, &got))
	require.True(t, c.Equals(got.Cid))
}

func TestLink_UndefinedCIDRejected(t *testing.T) {
	_, err := dagcbor.Marshal(dagcbor.NewLink(cid.Undef))
	require.Error(t, err)
}

func TestMarshal_DeterministicMapOrder(t *testing.T) {
	type block struct {
		Root    dagcbor.Link `cbor:"root"`
		ChainID string       `cbor:"chainId"`
		TxHash  dagcbor.Link `cbor:"txHash"`
	}
	b := block{
		Root:    dagcbor.NewLink(testCID(t, "root")),
		ChainID: "eip155:1337",
		TxHash:  dagcbor.NewLink(testCID(t, "tx")),
	}
	first, err := dagcbor.Marshal(b)
	require.NoError(t, err)
	second, err := dagcbor.Marshal(b)
	require.NoError(t, err)
	require.Equal(t, first, second)

	var decoded block
	require.NoError(t, dagcbor.Unmarshal(first, &decoded))
	require.Equal(t, b.ChainID, decoded.ChainID)
	require.True(t, b.Root.Cid.Equals(decoded.Root.Cid))
}

func TestMarshalBlock_AddressesBySha256(t *testing.T) {
	c1, data1, err := dagcbor.MarshalBlock([]interface{}{"a", "b"})
	require.NoError(t, err)
	c2, err := dagcbor.CIDOf(data1)
	require.NoError(t, err)
	require.True(t, c1.Equals(c2))
	require.Equal(t, uint64(cid.DagCBOR), c1.Type())

	// Different content, different address.
	c3, _, err := dagcbor.MarshalBlock([]interface{}{"a", "c"})
	require.NoError(t, err)
	require.False(t, c1.Equals(c3))
}
