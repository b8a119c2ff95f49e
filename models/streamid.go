package models

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

// streamIDCodec is the multicodec prefix identifying a stream id.
const streamIDCodec = 0xce

// StreamID identifies an append-only log of commits. The string form is the
// base36 multibase encoding of varint(0xce) || varint(type) || genesis CID.
type StreamID struct {
	Type    uint64
	Genesis cid.Cid
}

// ParseStreamID decodes the multibase string form of a stream id.
func ParseStreamID(s string) (StreamID, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return StreamID{}, errors.Wrapf(err, "invalid stream id %q", s)
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return StreamID{}, errors.Wrapf(err, "invalid stream id %q", s)
	}
	if codec != streamIDCodec {
		return StreamID{}, errors.Errorf("invalid stream id %q: codec %#x", s, codec)
	}
	data = data[n:]
	typ, n, err := varint.FromUvarint(data)
	if err != nil {
		return StreamID{}, errors.Wrapf(err, "invalid stream id %q", s)
	}
	genesis, err := cid.Cast(data[n:])
	if err != nil {
		return StreamID{}, errors.Wrapf(err, "invalid stream id %q", s)
	}
	return StreamID{Type: typ, Genesis: genesis}, nil
}

// String encodes the stream id in its canonical base36 form.
func (s StreamID) String() string {
	buf := make([]byte, 0, 2*varint.MaxLenUvarint63+len(s.Genesis.Bytes()))
	buf = append(buf, varint.ToUvarint(streamIDCodec)...)
	buf = append(buf, varint.ToUvarint(s.Type)...)
	buf = append(buf, s.Genesis.Bytes()...)
	enc, err := multibase.Encode(multibase.Base36, buf)
	if err != nil {
		// Base36 encoding of a byte slice cannot fail.
		panic(err)
	}
	return enc
}
