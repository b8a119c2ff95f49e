package merkle

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/models"
)

// bloomFalsePositiveRate is the target false-positive probability of the
// tree-metadata filter.
const bloomFalsePositiveRate = 0.0001

// bloomFilterType tags the serialisation format inside the metadata block.
const bloomFilterType = "go-bloom-v3"

// TreeMetadata is the block the root merge commits to: the batch size, the
// stream ids it covers, and a Bloom filter over streamid/model/controller
// keys for cheap membership probes.
type TreeMetadata struct {
	NumEntries  int             `cbor:"numEntries"`
	StreamIDs   []string        `cbor:"streamIds"`
	BloomFilter BloomFilterData `cbor:"bloomFilter"`
}

// BloomFilterData is the serialised filter plus its format tag.
type BloomFilterData struct {
	Type string `cbor:"type"`
	Data []byte `cbor:"data"`
}

// buildMetadata assembles the metadata block for a set of accepted
// candidates.
func buildMetadata(candidates []*models.Candidate) (*TreeMetadata, error) {
	streamIDs := make([]string, len(candidates))
	entries := 0
	for i, c := range candidates {
		streamIDs[i] = c.StreamID
		entries++ // streamid key
		if c.Model() != "" {
			entries++
		}
		if c.Metadata != nil {
			entries += len(c.Metadata.Controllers)
		}
	}
	if entries == 0 {
		entries = 1
	}

	filter := bloom.NewWithEstimates(uint(entries), bloomFalsePositiveRate)
	for _, c := range candidates {
		filter.AddString("streamid-" + c.StreamID)
		if m := c.Model(); m != "" {
			filter.AddString("model-" + m)
		}
		if c.Metadata != nil {
			for _, controller := range c.Metadata.Controllers {
				filter.AddString("controller-" + controller)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "serialising bloom filter")
	}
	return &TreeMetadata{
		NumEntries: len(candidates),
		StreamIDs:  streamIDs,
		BloomFilter: BloomFilterData{
			Type: bloomFilterType,
			Data: buf.Bytes(),
		},
	}, nil
}

// DecodeBloomFilter restores the filter from a metadata block.
func (m *TreeMetadata) DecodeBloomFilter() (*bloom.BloomFilter, error) {
	if m.BloomFilter.Type != bloomFilterType {
		return nil, errors.Errorf("unknown bloom filter type %q", m.BloomFilter.Type)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(m.BloomFilter.Data)); err != nil {
		return nil, errors.Wrap(err, "deserialising bloom filter")
	}
	return filter, nil
}
