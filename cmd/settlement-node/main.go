package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twinelabs/settlement/internal/blobstore"
	"github.com/twinelabs/settlement/internal/command"
	"github.com/twinelabs/settlement/internal/events"
	"github.com/twinelabs/settlement/internal/queue"
	"github.com/twinelabs/settlement/internal/secrets"
	"github.com/twinelabs/settlement/internal/settlement"
	"github.com/twinelabs/settlement/internal/settlement/blobsnap"
	settlementpg "github.com/twinelabs/settlement/internal/settlement/postgres"
	"github.com/twinelabs/settlement/internal/verifier"
)

func main() {
	var (
		storeDriver    = flag.String("store-driver", "postgres", "snapshot store driver: postgres|blob|memory")
		secretsDriver  = flag.String("secrets-driver", secrets.DriverEnv, "secret provider: env|aws")
		postgresDSNKey = flag.String("postgres-dsn-secret", "SETTLEMENT_POSTGRES_DSN", "env var or Secrets Manager id (id#field) holding the Postgres DSN")

		blobDriver     = flag.String("blob-driver", blobstore.DriverS3, "snapshot blobstore driver: s3|memory")
		blobBucket     = flag.String("blob-bucket", "", "snapshot bucket (required for --blob-driver=s3)")
		blobPrefix     = flag.String("blob-prefix", "settlement", "snapshot key prefix")
		blobKey        = flag.String("blob-key", blobsnap.DefaultKey, "snapshot object key")
		blobMaxGetSize = flag.Int64("blob-max-get-bytes", 16<<20, "maximum snapshot object size (bytes)")

		verifierDriver  = flag.String("verifier-driver", "signature", "proof verifier: signature|accept|reject")
		verificationKey = flag.String("verification-key", "", "verification key hex (required unless --attesters is set)")
		attesters       = flag.String("attesters", "", "comma-separated attester addresses; builds the verification key for --verifier-driver=signature")

		maxQueueSize     = flag.Int("max-queue-size", settlement.DefaultMaxQueueSize, "deposit queue capacity")
		maxBatches       = flag.Int("max-batches", 0, "retained batch capacity; 0 => unbounded")
		rootContinuity   = flag.Bool("enforce-root-continuity", true, "reject commits whose previous state root does not extend the last committed batch")
		genesisStateRoot = flag.String("genesis-state-root", "", "optional bytes32 hex the first batch must build on")
		pruneFinalized   = flag.Bool("prune-finalized", false, "drop superseded finalized batches after each finalization")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "settlement-node", "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", command.DefaultTopic, "comma-separated command topics")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		eventsDriver = flag.String("events-driver", "queue", "notification sink: queue|log|none")
		eventTopic   = flag.String("event-topic", events.DefaultTopic, "notification topic")

		applyTimeout = flag.Duration("apply-timeout", 30*time.Second, "per-command timeout, including persistence")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *maxQueueSize <= 0 || *maxBatches < 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-queue-size, --max-line-bytes, and --queue-max-bytes must be > 0 and --max-batches >= 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *applyTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-ack-timeout and --apply-timeout must be > 0")
		os.Exit(2)
	}

	vf, err := newVerifier(*verifierDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	vk, err := verificationKeyFromFlags(*verifierDriver, *verificationKey, *attesters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	var genesis common.Hash
	if strings.TrimSpace(*genesisStateRoot) != "" {
		genesis, err = command.ParseHash32Strict(*genesisStateRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: parse --genesis-state-root: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store settlement.SnapshotStore
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		provider, err := secrets.New(ctx, *secretsDriver)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		dsn, err := provider.Get(ctx, *postgresDSNKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: resolve Postgres DSN: %v\n", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := settlementpg.New(pool)
		if err != nil {
			log.Error("init settlement store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure settlement schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "blob":
		if normalizeBlobDriver(*blobDriver) == blobstore.DriverS3 && strings.TrimSpace(*blobBucket) == "" {
			fmt.Fprintln(os.Stderr, "error: --blob-bucket is required when --blob-driver=s3")
			os.Exit(2)
		}
		blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix, *blobMaxGetSize)
		if err != nil {
			log.Error("init blobstore", "err", err)
			os.Exit(2)
		}
		snapStore, err := blobsnap.New(blobs, *blobKey)
		if err != nil {
			log.Error("init snapshot store", "err", err)
			os.Exit(2)
		}
		store = snapStore
	case "memory":
		store = settlement.NewMemorySnapshotStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	sink, sinkCleanup, err := newEventSink(*eventsDriver, *queueDriver, queue.SplitCommaList(*queueBrokers), *eventTopic, log)
	if err != nil {
		log.Error("init event sink", "err", err)
		os.Exit(2)
	}
	defer sinkCleanup()

	machine, err := settlement.New(settlement.Config{
		MaxQueueSize:          *maxQueueSize,
		MaxBatches:            *maxBatches,
		VerificationKey:       vk,
		EnforceRootContinuity: *rootContinuity,
		GenesisStateRoot:      genesis,
		PruneFinalized:        *pruneFinalized,
		MaxBatchNumber:        maxBatchNumber(*storeDriver),
	}, vf, sink, store, log)
	if err != nil {
		log.Error("init settlement machine", "err", err)
		os.Exit(2)
	}
	if err := machine.Restore(ctx); err != nil {
		log.Error("restore settlement state", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueTopics),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("settlement node started",
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"verifierDriver", *verifierDriver,
		"queueDriver", *queueDriver,
		"eventsDriver", *eventsDriver,
		"maxQueueSize", *maxQueueSize,
		"maxBatches", *maxBatches,
		"enforceRootContinuity", *rootContinuity,
		"pruneFinalized", *pruneFinalized,
		"lastCommitted", machine.LastCommitted(),
		"lastFinalized", machine.LastFinalized(),
	)

	if err := serve(ctx, machine, consumer, *applyTimeout, *ackTimeout, log); err != nil {
		log.Error("settlement node stopped", "err", err)
		os.Exit(1)
	}
}

// serve applies commands until the context is canceled or the input closes.
// Rejected commands are logged and acknowledged. Any other failure leaves the
// message unacknowledged and stops the node so the command is redelivered
// against the last persisted state.
func serve(ctx context.Context, machine command.Machine, consumer queue.Consumer, applyTimeout, ackTimeout time.Duration, log *slog.Logger) error {
	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case qmsg, ok := <-msgCh:
			if !ok {
				log.Info("input closed")
				return nil
			}
			if err := handleMessage(ctx, machine, qmsg.Value, applyTimeout, log); err != nil {
				return err
			}
			ackMessage(qmsg, ackTimeout, log)
		}
	}
}

func handleMessage(ctx context.Context, machine command.Machine, line []byte, applyTimeout time.Duration, log *slog.Logger) error {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	cmd, err := command.Decode(line)
	if err != nil {
		log.Error("decode command", "err", err)
		return nil
	}

	cctx, cancel := withTimeout(ctx, applyTimeout)
	drained, err := command.Apply(cctx, machine, cmd)
	cancel()
	switch {
	case err == nil:
		if f, ok := cmd.(command.Finalize); ok {
			log.Info("applied command", "version", cmd.Version(), "batchNumber", f.BatchNumber, "drained", len(drained))
		} else {
			log.Info("applied command", "version", cmd.Version())
		}
		return nil
	case errors.Is(err, settlement.ErrDuplicateDeposit):
		log.Info("deposit already applied", "err", err)
		return nil
	case command.IsRejection(err):
		log.Warn("command rejected", "version", cmd.Version(), "err", err)
		return nil
	default:
		return fmt.Errorf("apply %s: %w", cmd.Version(), err)
	}
}

func newVerifier(driver string) (settlement.Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "signature":
		return verifier.SignatureVerifier{}, nil
	case "accept":
		return verifier.Static{OK: true}, nil
	case "reject":
		return verifier.Static{OK: false}, nil
	default:
		return nil, fmt.Errorf("unsupported --verifier-driver %q", driver)
	}
}

// verificationKeyFromFlags builds the key from --attesters or
// --verification-key. The signature driver only accepts attester lists.
func verificationKeyFromFlags(verifierDriver, keyHex, attesterCSV string) ([]byte, error) {
	addrs := queue.SplitCommaList(attesterCSV)
	if len(addrs) > 0 {
		if strings.TrimSpace(keyHex) != "" {
			return nil, errors.New("--verification-key and --attesters are mutually exclusive")
		}
		parsed := make([]common.Address, 0, len(addrs))
		for _, a := range addrs {
			addr, err := command.ParseAddress(a)
			if err != nil {
				return nil, fmt.Errorf("parse --attesters: %w", err)
			}
			parsed = append(parsed, addr)
		}
		key := verifier.AttesterKey(parsed...)
		if _, err := verifier.ParseAttesters(key); err != nil {
			return nil, fmt.Errorf("parse --attesters: %w", err)
		}
		return key, nil
	}
	key, err := command.DecodeHexBytes(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse --verification-key: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(verifierDriver)) == "signature" {
		if _, err := verifier.ParseAttesters(key); err != nil {
			return nil, fmt.Errorf("parse --verification-key for --verifier-driver=signature: %w", err)
		}
	}
	return key, nil
}

// maxBatchNumber is the batch number bound imposed by the snapshot store.
func maxBatchNumber(storeDriver string) uint64 {
	if strings.ToLower(strings.TrimSpace(storeDriver)) == "postgres" {
		return settlementpg.MaxBatchNumber
	}
	return 0
}

func newEventSink(driver, queueDriver string, brokers []string, topic string, log *slog.Logger) (settlement.EventSink, func(), error) {
	logSink := events.LogSink{Log: log}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "none":
		return nil, func() {}, nil
	case "log":
		return logSink, func() {}, nil
	case "queue":
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  queueDriver,
			Brokers: brokers,
		})
		if err != nil {
			return nil, func() {}, err
		}
		qs, err := events.NewQueueSink(events.QueueSinkConfig{
			Producer: producer,
			Topic:    topic,
			Log:      log,
		})
		if err != nil {
			_ = producer.Close()
			return nil, func() {}, err
		}
		return events.Multi{logSink, qs}, func() { _ = producer.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported --events-driver %q", driver)
	}
}

func normalizeBlobDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return blobstore.DriverS3
	}
	return driver
}

func newBlobStore(ctx context.Context, driver string, bucket string, prefix string, maxGetSize int64) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver:     normalizeBlobDriver(driver),
		Bucket:     strings.TrimSpace(bucket),
		Prefix:     strings.TrimSpace(prefix),
		MaxGetSize: maxGetSize,
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
