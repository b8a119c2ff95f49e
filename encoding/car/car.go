// Package car reads and writes CAR v1 files: a DAG-CBOR header carrying the
// roots list, followed by varint-framed sections of CID bytes plus block
// payload.
package car

import (
	"bytes"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/encoding/dagcbor"
)

type header struct {
	Roots   []dagcbor.Link `cbor:"roots"`
	Version uint64         `cbor:"version"`
}

// File is an in-memory CAR v1 archive. Blocks keep insertion order; putting
// the same CID twice is a no-op.
type File struct {
	roots  []cid.Cid
	order  []cid.Cid
	blocks map[string][]byte
}

// NewFile creates an empty archive with the given roots.
func NewFile(roots ...cid.Cid) *File {
	return &File{
		roots:  roots,
		blocks: make(map[string][]byte),
	}
}

// Roots returns the archive's roots list.
func (f *File) Roots() []cid.Cid {
	return f.roots
}

// Put stores one block under its CID.
func (f *File) Put(c cid.Cid, data []byte) {
	key := c.KeyString()
	if _, ok := f.blocks[key]; ok {
		return
	}
	f.order = append(f.order, c)
	f.blocks[key] = data
}

// Get returns the block stored under c.
func (f *File) Get(c cid.Cid) ([]byte, bool) {
	data, ok := f.blocks[c.KeyString()]
	return data, ok
}

// Len returns the number of blocks.
func (f *File) Len() int {
	return len(f.order)
}

// Blocks returns the CIDs in insertion order.
func (f *File) Blocks() []cid.Cid {
	out := make([]cid.Cid, len(f.order))
	copy(out, f.order)
	return out
}

// Encode serialises the archive as CAR v1 bytes.
func (f *File) Encode() ([]byte, error) {
	roots := make([]dagcbor.Link, len(f.roots))
	for i, r := range f.roots {
		roots[i] = dagcbor.NewLink(r)
	}
	head, err := dagcbor.Marshal(header{Roots: roots, Version: 1})
	if err != nil {
		return nil, errors.Wrap(err, "encoding CAR header")
	}

	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(len(head))))
	buf.Write(head)
	for _, c := range f.order {
		data := f.blocks[c.KeyString()]
		section := uint64(len(c.Bytes()) + len(data))
		buf.Write(varint.ToUvarint(section))
		buf.Write(c.Bytes())
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Decode parses CAR v1 bytes back into a File.
func Decode(data []byte) (*File, error) {
	r := bytes.NewReader(data)
	headLen, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading CAR header length")
	}
	head := make([]byte, headLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, errors.Wrap(err, "reading CAR header")
	}
	var h header
	if err := dagcbor.Unmarshal(head, &h); err != nil {
		return nil, errors.Wrap(err, "decoding CAR header")
	}
	if h.Version != 1 {
		return nil, errors.Errorf("unsupported CAR version %d", h.Version)
	}

	roots := make([]cid.Cid, len(h.Roots))
	for i, l := range h.Roots {
		roots[i] = l.Cid
	}
	f := NewFile(roots...)
	for {
		sectionLen, err := varint.ReadUvarint(r)
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading CAR section length")
		}
		section := make([]byte, sectionLen)
		if _, err := io.ReadFull(r, section); err != nil {
			return nil, errors.Wrap(err, "reading CAR section")
		}
		n, c, err := cid.CidFromBytes(section)
		if err != nil {
			return nil, errors.Wrap(err, "decoding CAR section CID")
		}
		f.Put(c, section[n:])
	}
}
