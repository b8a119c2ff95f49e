// Package node assembles the anchor service: stores, blockchain client, CAR
// stores, queue consumer, and the periodic workers, all registered into a
// service registry and run until interrupted.
package node

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ceramicnetwork/go-cas/anchor"
	"github.com/ceramicnetwork/go-cas/blobstore"
	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/config"
	"github.com/ceramicnetwork/go-cas/db"
	"github.com/ceramicnetwork/go-cas/db/iface"
	"github.com/ceramicnetwork/go-cas/db/memdb"
	"github.com/ceramicnetwork/go-cas/eth"
	"github.com/ceramicnetwork/go-cas/monitoring/prometheus"
	"github.com/ceramicnetwork/go-cas/queue"
	"github.com/ceramicnetwork/go-cas/runtime"
)

var log = logrus.WithField("prefix", "node")

// Node is the running anchor service process.
type Node struct {
	cfg      *config.Config
	services *runtime.ServiceRegistry

	db       *db.Client
	gcs      *storage.Client
	consumer *queue.Consumer

	lock sync.Mutex
	stop chan struct{}
}

// New wires a node from the configuration. Connections to Postgres, the
// Ethereum provider, GCS, and Kafka are established here; Start only spawns
// the service goroutines.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := clock.New()
	n := &Node{
		cfg:      cfg,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	requests, anchors, metadata, ping, err := n.openStores(ctx, clk)
	if err != nil {
		return nil, err
	}

	submitter, err := eth.Dial(ctx, eth.Config{
		RPCEndpoint:         cfg.Eth.RPCEndpoint,
		PrivateKey:          cfg.Eth.PrivateKey,
		ChainID:             cfg.Eth.ChainID,
		ContractAddress:     cfg.Eth.ContractAddress,
		GasLimit:            cfg.Eth.GasLimit,
		MaxRetries:          cfg.Eth.MaxRetries,
		TransactionTimeout:  cfg.Eth.TransactionTimeout,
		ReceiptPollInterval: cfg.Eth.ReceiptPollInterval,
	}, clk)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"wallet":   submitter.Wallet().Hex(),
		"chainId":  cfg.Eth.ChainID,
		"contract": submitter.UsesContract(),
	}).Info("Ethereum submitter ready")

	merkleCARs, witnessCARs, err := n.openBlobstores(ctx)
	if err != nil {
		return nil, err
	}

	var receiver anchor.BatchReceiver
	if len(cfg.Queue.Brokers) > 0 {
		consumer, err := queue.NewConsumer(queue.Config{
			Brokers: cfg.Queue.Brokers,
			Topic:   cfg.Queue.Topic,
			GroupID: cfg.Queue.GroupID,
		})
		if err != nil {
			return nil, err
		}
		n.consumer = consumer
		receiver = queueReceiver{consumer: consumer}
		log.WithField("topic", cfg.Queue.Topic).Info("consuming anchor batches from the queue")
	}

	anchorSvc := anchor.NewService(requests, anchors, metadata, submitter, receiver,
		merkleCARs, witnessCARs, anchor.Config{
			MaxStreamLimit:   cfg.Anchor.MaxStreamLimit,
			MinStreamLimit:   cfg.Anchor.MinStreamLimit,
			MerkleDepthLimit: cfg.Anchor.MerkleDepthLimit,
			MutexAttempts:    cfg.Anchor.MutexAttempts,
			MutexWait:        cfg.Anchor.MutexWait,
			ReceiveWait:      cfg.Anchor.ReceiveWait,
			LongAnchorAlert:  cfg.Anchor.LongAnchorAlert,
		}, clk)

	if err := n.registerServices(anchorSvc, ping); err != nil {
		return nil, err
	}
	return n, nil
}

// openStores connects the request, anchor, and metadata stores: Postgres when
// a DSN is configured, in-memory otherwise.
func (n *Node) openStores(ctx context.Context, clk clock.Clock) (iface.RequestStore, iface.AnchorStore, iface.MetadataStore, func(context.Context) error, error) {
	dbCfg := db.Config{
		MaxAnchoringDelay:  n.cfg.Database.MaxAnchoringDelay,
		ProcessingTimeout:  n.cfg.Database.ProcessingTimeout,
		ReadyTimeout:       n.cfg.Database.ReadyTimeout,
		FailureRetryWindow: n.cfg.Database.FailureRetryWindow,
		RequestExpiry:      n.cfg.Database.RequestExpiry,
	}
	if n.cfg.Database.DSN == "" {
		log.Warn("no database DSN configured, running on in-memory stores")
		anchors := memdb.NewAnchorStore(clk)
		requests := memdb.NewRequestStore(dbCfg, clk, anchors)
		return requests, anchors, memdb.NewMetadataStore(clk), nil, nil
	}
	client, err := db.Open(n.cfg.Database.DSN, clk)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "migrating database schema")
	}
	n.db = client
	return db.NewRequestStore(client, dbCfg), db.NewAnchorStore(client), db.NewMetadataStore(client), client.Ping, nil
}

// openBlobstores connects the merkle and witness CAR stores: GCS when a
// bucket is configured, in-memory otherwise.
func (n *Node) openBlobstores(ctx context.Context) (blobstore.Store, blobstore.Store, error) {
	if n.cfg.Blobstore.GCSBucket == "" {
		log.Warn("no GCS bucket configured, keeping CARs in memory")
		return blobstore.NewMemoryStore(), blobstore.NewMemoryStore(), nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating GCS client")
	}
	n.gcs = client
	bucket := n.cfg.Blobstore.GCSBucket
	return blobstore.NewGCSStore(client, bucket, n.cfg.Blobstore.MerklePrefix),
		blobstore.NewGCSStore(client, bucket, n.cfg.Blobstore.WitnessPrefix), nil
}

// registerServices fills the registry in start order: workers first, then the
// monitoring server so /healthz sees everything.
func (n *Node) registerServices(anchorSvc *anchor.Service, ping func(context.Context) error) error {
	if n.cfg.Anchor.Worker {
		if err := n.services.RegisterService(newWorkerService(n.cfg.Anchor.Interval, anchorSvc, ping)); err != nil {
			return err
		}
	} else {
		if err := n.services.RegisterService(newReadinessService(n.cfg.Anchor.Interval, anchorSvc, ping)); err != nil {
			return err
		}
	}
	if err := n.services.RegisterService(newMaintenanceService(n.cfg.Anchor.MaintenanceInterval, anchorSvc)); err != nil {
		return err
	}
	if n.cfg.MonitoringAddr != "" {
		if err := n.services.RegisterService(prometheus.NewService(n.cfg.MonitoringAddr, n.services)); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns every registered service and blocks until an interrupt or a
// call to Close.
func (n *Node) Start() {
	n.lock.Lock()
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.WithField("signal", s).Info("shutting down")
			n.Close()
		case <-stop:
		}
	}()

	<-stop
}

// Close stops every service in reverse order and releases external
// connections. It is safe to call more than once.
func (n *Node) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()
	select {
	case <-n.stop:
		return
	default:
	}

	n.services.StopAll()
	if n.consumer != nil {
		n.consumer.Close()
	}
	if n.gcs != nil {
		if err := n.gcs.Close(); err != nil {
			log.WithError(err).Error("closing GCS client")
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			log.WithError(err).Error("closing database")
		}
	}
	close(n.stop)
}

// queueReceiver adapts the Kafka consumer to the anchor service's receiver
// interface without handing it a typed nil.
type queueReceiver struct {
	consumer *queue.Consumer
}

func (r queueReceiver) Receive(ctx context.Context) (anchor.BatchEnvelope, error) {
	msg, err := r.consumer.Receive(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	return msg, nil
}
