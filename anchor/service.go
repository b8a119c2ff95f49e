// Package anchor implements the batch worker: it selects candidates from a
// batch of requests, builds the Merkle tree, anchors the root on chain, and
// persists the resulting anchor commits.
package anchor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ceramicnetwork/go-cas/blobstore"
	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/db"
	"github.com/ceramicnetwork/go-cas/encoding/car"
	"github.com/ceramicnetwork/go-cas/db/iface"
	"github.com/ceramicnetwork/go-cas/merkle"
	"github.com/ceramicnetwork/go-cas/models"
	"github.com/ceramicnetwork/go-cas/queue"
)

var log = logrus.WithField("prefix", "anchor")

// invalidCommitMessage is stored on requests whose commit CID cannot be
// parsed; such requests can never anchor.
const invalidCommitMessage = "Request has failed. Invalid commit CID."

// transactionMutexName is the shared advisory-lock name gating on-chain
// submissions.
const transactionMutexName = "anchor"

// witnessUploadConcurrency bounds parallel witness CAR uploads.
const witnessUploadConcurrency = 8

// RootSubmitter anchors a Merkle root on chain.
type RootSubmitter interface {
	Anchor(ctx context.Context, root cid.Cid) (*models.Transaction, error)
	UsesContract() bool
}

// BatchEnvelope is one in-flight batch descriptor with queue semantics.
type BatchEnvelope interface {
	Data() queue.BatchMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// BatchReceiver hands out batch descriptors in queue mode. A nil envelope
// with a nil error means the wait expired with nothing to process.
type BatchReceiver interface {
	Receive(ctx context.Context) (BatchEnvelope, error)
}

// Config tunes the anchor service.
type Config struct {
	// MaxStreamLimit caps the streams per batch.
	MaxStreamLimit int
	// MinStreamLimit gates DB-mode promotion; see RequestStore.FindAndMarkReady.
	MinStreamLimit int
	// MerkleDepthLimit bounds the tree depth; 0 is unbounded.
	MerkleDepthLimit int
	// MutexAttempts and MutexWait tune transaction-mutex acquisition.
	MutexAttempts int
	MutexWait     time.Duration
	// ReceiveWait bounds the queue poll in queue mode.
	ReceiveWait time.Duration
	// LongAnchorAlert emits a warning metric when a batch runs longer.
	LongAnchorAlert time.Duration
}

// Service runs anchor batches. With a BatchReceiver it consumes queue batch
// descriptors; without one it promotes and takes batches from the database.
type Service struct {
	requests  iface.RequestStore
	anchors   iface.AnchorStore
	metadata  iface.MetadataStore
	selector  *Selector
	submitter RootSubmitter
	receiver  BatchReceiver

	merkleCARs  blobstore.Store
	witnessCARs blobstore.Store

	cfg   Config
	clock clock.Clock
}

// NewService wires an anchor service. receiver may be nil for DB mode.
func NewService(
	requests iface.RequestStore,
	anchors iface.AnchorStore,
	metadata iface.MetadataStore,
	submitter RootSubmitter,
	receiver BatchReceiver,
	merkleCARs, witnessCARs blobstore.Store,
	cfg Config,
	clk clock.Clock,
) *Service {
	return &Service{
		requests:    requests,
		anchors:     anchors,
		metadata:    metadata,
		selector:    NewSelector(anchors, metadata),
		submitter:   submitter,
		receiver:    receiver,
		merkleCARs:  merkleCARs,
		witnessCARs: witnessCARs,
		cfg:         cfg,
		clock:       clk,
	}
}

// AnchorBatch obtains one batch, anchors it, and persists the result. It is
// the scheduler's primary task.
func (s *Service) AnchorBatch(ctx context.Context) error {
	start := s.clock.Now()
	defer func() {
		elapsed := s.clock.Now().Sub(start)
		anchorDuration.Observe(elapsed.Seconds())
		if s.cfg.LongAnchorAlert > 0 && elapsed > s.cfg.LongAnchorAlert {
			longAnchorAlerts.Inc()
			log.WithField("elapsed", elapsed).Warn("anchor batch ran long")
		}
	}()

	if s.receiver != nil {
		return s.anchorFromQueue(ctx)
	}
	return s.anchorFromDB(ctx)
}

func (s *Service) anchorFromQueue(ctx context.Context) error {
	receiveCtx := ctx
	if s.cfg.ReceiveWait > 0 {
		var cancel context.CancelFunc
		receiveCtx, cancel = context.WithTimeout(ctx, s.cfg.ReceiveWait)
		defer cancel()
	}
	msg, err := s.receiver.Receive(receiveCtx)
	if err != nil {
		return errors.Wrap(err, "receiving batch message")
	}
	if msg == nil {
		batchesNoop.Inc()
		return nil
	}
	data := msg.Data()
	batchLog := log.WithField("batchId", data.BatchID)

	batch, err := s.loadQueueBatch(ctx, data.RequestIDs)
	if err != nil {
		batchLog.WithError(err).Error("loading batch requests")
		if nackErr := msg.Nack(ctx); nackErr != nil {
			batchLog.WithError(nackErr).Error("nacking batch message")
		}
		return err
	}
	if len(batch) == 0 {
		batchLog.Info("batch has no anchorable requests")
		batchesNoop.Inc()
		return msg.Ack(ctx)
	}

	if err := s.processBatch(ctx, batch, false); err != nil {
		batchesFailed.Inc()
		batchLog.WithError(err).Error("anchoring batch")
		// Leave request statuses alone; redelivery retries the batch.
		if nackErr := msg.Nack(ctx); nackErr != nil {
			batchLog.WithError(nackErr).Error("nacking batch message")
		}
		return err
	}
	return msg.Ack(ctx)
}

// loadQueueBatch resolves a batch descriptor's request ids, dropping rows
// replaced since the batch was formed.
func (s *Service) loadQueueBatch(ctx context.Context, requestIDs []string) ([]*models.Request, error) {
	ids := make([]uuid.UUID, 0, len(requestIDs))
	for _, raw := range requestIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			log.WithField("requestId", raw).Warn("skipping unparseable request id")
			continue
		}
		ids = append(ids, id)
	}
	loaded, err := s.requests.FindByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "loading batch requests")
	}
	batch := make([]*models.Request, 0, len(loaded))
	for _, r := range loaded {
		if r.Status == models.RequestReplaced {
			continue
		}
		batch = append(batch, r)
	}
	return batch, nil
}

func (s *Service) anchorFromDB(ctx context.Context) error {
	ready, err := s.requests.CountByStatus(ctx, models.RequestReady)
	if err != nil {
		return errors.Wrap(err, "counting ready requests")
	}
	if ready == 0 {
		if _, err := s.requests.FindAndMarkReady(ctx, 2*s.cfg.MaxStreamLimit, s.cfg.MinStreamLimit); err != nil {
			return errors.Wrap(err, "promoting requests")
		}
	}
	batch, err := s.requests.BatchProcessing(ctx, s.cfg.MaxStreamLimit)
	if err != nil {
		return errors.Wrap(err, "taking processing batch")
	}
	if len(batch) == 0 {
		batchesNoop.Inc()
		return nil
	}

	if err := s.processBatch(ctx, batch, true); err != nil {
		batchesFailed.Inc()
		// Put the batch back in the pool for the next tick.
		if _, revertErr := s.requests.UpdateRequests(ctx,
			models.StatusUpdate(models.RequestPending), batch); revertErr != nil {
			log.WithError(revertErr).Error("reverting batch to pending")
		}
		return err
	}
	return nil
}

// processBatch runs selection, tree building, submission, and persistence
// over one batch. dbMode controls the status handling of unprocessed
// candidates.
func (s *Service) processBatch(ctx context.Context, batch []*models.Request, dbMode bool) error {
	limit := s.cfg.MaxStreamLimit
	if s.cfg.MerkleDepthLimit > 0 && 1<<uint(s.cfg.MerkleDepthLimit) < limit {
		limit = 1 << uint(s.cfg.MerkleDepthLimit)
	}
	groups, err := s.selector.Select(ctx, batch, limit)
	if err != nil {
		return err
	}
	batchLog := log.WithFields(logrus.Fields{
		"requests":        len(batch),
		"accepted":        len(groups.Accepted),
		"alreadyAnchored": len(groups.AlreadyAnchored),
		"unprocessed":     len(groups.Unprocessed),
		"failed":          len(groups.Failed),
	})

	if err := s.failCandidates(ctx, groups.Failed); err != nil {
		return err
	}

	if len(groups.Accepted) == 0 {
		batchLog.Info("no eligible candidates in batch")
		if err := s.completeWithoutAnchors(ctx, groups.AlreadyAnchored); err != nil {
			return err
		}
		return s.releaseUnprocessed(ctx, groups.Unprocessed, dbMode)
	}

	tree, err := merkle.Build(groups.Accepted, s.cfg.MerkleDepthLimit)
	if err != nil {
		return errors.Wrap(err, "building merkle tree")
	}
	if err := s.touchMetadata(ctx, groups.Accepted); err != nil {
		batchLog.WithError(err).Warn("touching stream metadata")
	}

	var tx *models.Transaction
	err = s.requests.WithTransactionMutex(ctx, transactionMutexName, s.cfg.MutexAttempts, s.cfg.MutexWait,
		func(ctx context.Context) error {
			var submitErr error
			tx, submitErr = s.submitter.Anchor(ctx, tree.Root())
			return submitErr
		})
	if err != nil {
		if errors.Is(err, db.ErrMutexUnavailable) {
			batchLog.Info("transaction mutex held elsewhere, aborting batch")
		}
		return err
	}
	batchLog = batchLog.WithFields(logrus.Fields{"root": tree.Root().String(), "txHash": tx.TxHash})

	anchors, proofCID, err := s.buildAnchors(tree, tx)
	if err != nil {
		return err
	}

	carBytes, err := tree.CAR().Encode()
	if err != nil {
		return errors.Wrap(err, "encoding merkle CAR")
	}
	if err := s.merkleCARs.Put(ctx, proofCID.String(), carBytes); err != nil {
		return errors.Wrap(err, "storing merkle CAR")
	}
	s.storeWitnesses(ctx, tree, proofCID)

	complete := make([]*models.Request, 0, len(batch))
	for _, c := range groups.Accepted {
		complete = append(complete, c.AllRequests()...)
	}
	for _, c := range groups.AlreadyAnchored {
		complete = append(complete, c.AllRequests()...)
	}
	if err := s.requests.CompleteBatch(ctx, anchors, complete); err != nil {
		return errors.Wrap(err, "persisting batch")
	}

	batchesAnchored.Inc()
	anchorsCreated.Add(float64(len(anchors)))
	requestsCompleted.Add(float64(len(complete)))
	batchLog.WithField("anchors", len(anchors)).Info("batch anchored")
	return s.releaseUnprocessed(ctx, groups.Unprocessed, dbMode)
}

// buildAnchors encodes the proof and per-leaf anchor commits into the tree's
// CAR and returns the anchor rows, in leaf order.
func (s *Service) buildAnchors(tree *merkle.Tree, tx *models.Transaction) ([]*models.Anchor, cid.Cid, error) {
	proofCID, proofBlock, err := buildProof(tree.Root(), tx, s.submitter.UsesContract())
	if err != nil {
		return nil, cid.Undef, err
	}
	tree.CAR().Put(proofCID, proofBlock)

	anchors := make([]*models.Anchor, 0, len(tree.Leaves()))
	for _, leaf := range tree.Leaves() {
		commitCID, commitBlock, err := buildCommit(leaf, proofCID)
		if err != nil {
			return nil, cid.Undef, err
		}
		tree.CAR().Put(commitCID, commitBlock)
		anchors = append(anchors, &models.Anchor{
			RequestID: leaf.Candidate.Request.ID,
			CID:       commitCID.String(),
			ProofCID:  proofCID.String(),
			Path:      leaf.Path.String(),
		})
	}
	return anchors, proofCID, nil
}

// storeWitnesses uploads one witness CAR per anchor, keyed by the anchor
// commit CID. Failures are non-fatal: the on-chain proof and the Anchor row
// remain valid, so the upload is only counted and logged.
func (s *Service) storeWitnesses(ctx context.Context, tree *merkle.Tree, proofCID cid.Cid) {
	proofBlock, _ := tree.CAR().Get(proofCID)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(witnessUploadConcurrency)
	for _, leaf := range tree.Leaves() {
		leaf := leaf
		g.Go(func() error {
			commitCID, commitBlock, err := buildCommit(leaf, proofCID)
			if err == nil {
				var witness *car.File
				witness, err = buildWitnessCAR(tree, leaf, commitCID, commitBlock, proofCID, proofBlock)
				if err == nil {
					var encoded []byte
					encoded, err = witness.Encode()
					if err == nil {
						err = s.witnessCARs.Put(gctx, commitCID.String(), encoded)
					}
				}
			}
			if err != nil {
				witnessStoreFailures.Inc()
				log.WithError(err).WithField("stream", leaf.Candidate.StreamID).
					Error("storing witness CAR")
			}
			return nil
		})
	}
	g.Wait()
}

// failCandidates moves permanently unanchorable requests to FAILED.
func (s *Service) failCandidates(ctx context.Context, failed []*models.Candidate) error {
	if len(failed) == 0 {
		return nil
	}
	requests := make([]*models.Request, 0, len(failed))
	for _, c := range failed {
		requests = append(requests, c.AllRequests()...)
	}
	status := models.RequestFailed
	message := invalidCommitMessage
	if _, err := s.requests.UpdateRequests(ctx,
		models.RequestUpdate{Status: &status, Message: &message}, requests); err != nil {
		return errors.Wrap(err, "failing unanchorable requests")
	}
	requestsFailed.Add(float64(len(requests)))
	return nil
}

// completeWithoutAnchors completes candidates that already have anchors from
// an earlier batch.
func (s *Service) completeWithoutAnchors(ctx context.Context, anchored []*models.Candidate) error {
	if len(anchored) == 0 {
		return nil
	}
	requests := make([]*models.Request, 0, len(anchored))
	for _, c := range anchored {
		requests = append(requests, c.AllRequests()...)
	}
	if err := s.requests.CompleteBatch(ctx, nil, requests); err != nil {
		return errors.Wrap(err, "completing already-anchored requests")
	}
	requestsCompleted.Add(float64(len(requests)))
	return nil
}

// releaseUnprocessed returns candidates that did not fit the batch to the
// pool. In DB mode their requests were taken into PROCESSING and revert to
// PENDING; in queue mode statuses stay as they are.
func (s *Service) releaseUnprocessed(ctx context.Context, unprocessed []*models.Candidate, dbMode bool) error {
	if !dbMode || len(unprocessed) == 0 {
		return nil
	}
	requests := make([]*models.Request, 0, len(unprocessed))
	for _, c := range unprocessed {
		requests = append(requests, c.AllRequests()...)
	}
	if _, err := s.requests.UpdateRequests(ctx,
		models.StatusUpdate(models.RequestPending), requests); err != nil {
		return errors.Wrap(err, "releasing unprocessed requests")
	}
	return nil
}

// touchMetadata records batch participation for the accepted streams.
func (s *Service) touchMetadata(ctx context.Context, accepted []*models.Candidate) error {
	streamIDs := make([]string, 0, len(accepted))
	for _, c := range accepted {
		if c.Metadata != nil {
			streamIDs = append(streamIDs, c.StreamID)
		}
	}
	return s.metadata.TouchUsedAt(ctx, streamIDs)
}

// EmitAnchorEventIfReady is the non-worker entry point: it refreshes expiring
// READY rows or promotes a new batch, and reports whether an anchor-ready
// event fired.
func (s *Service) EmitAnchorEventIfReady(ctx context.Context) (bool, error) {
	ready, err := s.requests.CountByStatus(ctx, models.RequestReady)
	if err != nil {
		return false, errors.Wrap(err, "counting ready requests")
	}
	if ready > 0 {
		refreshed, err := s.requests.UpdateExpiringReadyRequests(ctx)
		if err != nil {
			return false, errors.Wrap(err, "refreshing expiring ready requests")
		}
		if refreshed == 0 {
			return false, nil
		}
		readyEventsEmitted.Inc()
		log.WithField("requests", refreshed).Info("anchor-ready requests refreshed")
		return true, nil
	}
	promoted, err := s.requests.FindAndMarkReady(ctx, 2*s.cfg.MaxStreamLimit, s.cfg.MinStreamLimit)
	if err != nil {
		return false, errors.Wrap(err, "promoting requests")
	}
	if len(promoted) == 0 {
		return false, nil
	}
	readyEventsEmitted.Inc()
	log.WithField("requests", len(promoted)).Info("anchor-ready batch promoted")
	return true, nil
}

// GarbageCollect unpins expired terminal requests whose streams have gone
// quiet, and returns how many were collected.
func (s *Service) GarbageCollect(ctx context.Context) (int, error) {
	expired, err := s.requests.FindRequestsToGarbageCollect(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "finding expired requests")
	}
	if len(expired) == 0 {
		return 0, nil
	}
	pinned := false
	count, err := s.requests.UpdateRequests(ctx, models.RequestUpdate{Pinned: &pinned}, expired)
	if err != nil {
		return 0, errors.Wrap(err, "unpinning expired requests")
	}
	requestsGarbageCollected.Add(float64(count))
	log.WithField("requests", count).Info("garbage collected expired requests")
	return count, nil
}
