package anchor

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/encoding/car"
	"github.com/ceramicnetwork/go-cas/encoding/dagcbor"
	"github.com/ceramicnetwork/go-cas/eth"
	"github.com/ceramicnetwork/go-cas/merkle"
	"github.com/ceramicnetwork/go-cas/models"
)

// contractTxType marks contract-mode proofs so verifiers decode the
// transaction data as an anchorDagCbor(bytes32) call.
const contractTxType = "f(bytes32)"

// AnchorProof is the DAG-CBOR block binding a Merkle root to its on-chain
// transaction.
type AnchorProof struct {
	ChainID string       `cbor:"chainId"`
	Root    dagcbor.Link `cbor:"root"`
	TxHash  dagcbor.Link `cbor:"txHash"`
	TxType  string       `cbor:"txType,omitempty"`
}

// AnchorCommit is the DAG-CBOR block appended to a stream's log: the witness
// that prev is committed under the proof's root at path.
type AnchorCommit struct {
	ID    dagcbor.Link `cbor:"id"`
	Prev  dagcbor.Link `cbor:"prev"`
	Proof dagcbor.Link `cbor:"proof"`
	Path  string       `cbor:"path"`
}

// buildProof encodes the anchor proof for a confirmed transaction.
func buildProof(root cid.Cid, tx *models.Transaction, contractMode bool) (cid.Cid, []byte, error) {
	txCID, err := eth.TxCID(common.HexToHash(tx.TxHash))
	if err != nil {
		return cid.Undef, nil, err
	}
	proof := AnchorProof{
		ChainID: tx.Chain,
		Root:    dagcbor.NewLink(root),
		TxHash:  dagcbor.NewLink(txCID),
	}
	if contractMode {
		proof.TxType = contractTxType
	}
	proofCID, block, err := dagcbor.MarshalBlock(proof)
	return proofCID, block, errors.Wrap(err, "encoding anchor proof")
}

// buildCommit encodes the anchor commit for one leaf.
func buildCommit(leaf *merkle.Leaf, proofCID cid.Cid) (cid.Cid, []byte, error) {
	streamID, err := models.ParseStreamID(leaf.Candidate.StreamID)
	if err != nil {
		return cid.Undef, nil, err
	}
	commit := AnchorCommit{
		ID:    dagcbor.NewLink(streamID.Genesis),
		Prev:  dagcbor.NewLink(leaf.Candidate.CID),
		Proof: dagcbor.NewLink(proofCID),
		Path:  leaf.Path.String(),
	}
	commitCID, block, err := dagcbor.MarshalBlock(commit)
	return commitCID, block, errors.Wrapf(err, "encoding anchor commit for stream %s", leaf.Candidate.StreamID)
}

// buildWitnessCAR assembles the per-anchor witness: the anchor commit, the
// proof, and the internal nodes from the root down the commit's path.
func buildWitnessCAR(tree *merkle.Tree, leaf *merkle.Leaf, commitCID cid.Cid, commitBlock []byte, proofCID cid.Cid, proofBlock []byte) (*car.File, error) {
	witness := car.NewFile(commitCID)
	witness.Put(commitCID, commitBlock)
	witness.Put(proofCID, proofBlock)
	for _, nodeCID := range tree.NodesOnPath(leaf.Path) {
		block, ok := tree.CAR().Get(nodeCID)
		if !ok {
			return nil, errors.Errorf("merkle CAR missing node %s", nodeCID)
		}
		witness.Put(nodeCID, block)
	}
	return witness, nil
}
