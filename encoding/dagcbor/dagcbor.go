// Package dagcbor encodes and decodes DAG-CBOR blocks: deterministic CBOR
// with CID links carried as tag 42, addressed by CIDv1 dag-cbor sha2-256.
package dagcbor

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

const linkTag = 42

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		ShortestFloat: cbor.ShortestFloat16,
		NaNConvert:    cbor.NaNConvert7e00,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Link is a CID encoded as a DAG-CBOR link (tag 42 over the identity
// multibase prefix plus the CID bytes).
type Link struct {
	cid.Cid
}

// NewLink wraps a CID for use inside a DAG-CBOR block.
func NewLink(c cid.Cid) Link {
	return Link{Cid: c}
}

// MarshalCBOR implements cbor.Marshaler.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Defined() {
		return nil, errors.New("cannot encode undefined CID link")
	}
	payload := append([]byte{0x00}, l.Bytes()...)
	inner, err := encMode.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{0xd8, linkTag}, inner...), nil
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	if len(data) < 2 || data[0] != 0xd8 || data[1] != linkTag {
		return errors.New("not a DAG-CBOR link")
	}
	var payload []byte
	if err := decMode.Unmarshal(data[2:], &payload); err != nil {
		return errors.Wrap(err, "decoding link payload")
	}
	if len(payload) == 0 || payload[0] != 0x00 {
		return errors.New("link payload missing identity multibase prefix")
	}
	c, err := cid.Cast(payload[1:])
	if err != nil {
		return errors.Wrap(err, "casting link CID")
	}
	l.Cid = c
	return nil
}

// Marshal encodes v as deterministic DAG-CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes DAG-CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// CIDOf hashes an encoded block into its dag-cbor CIDv1 address.
func CIDOf(block []byte) (cid.Cid, error) {
	hash, err := mh.Sum(block, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "hashing block")
	}
	return cid.NewCidV1(cid.DagCBOR, hash), nil
}

// MarshalBlock encodes v and returns both the block bytes and their CID.
func MarshalBlock(v interface{}) (cid.Cid, []byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := CIDOf(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}
