package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/twinelabs/settlement/internal/command"
	"github.com/twinelabs/settlement/internal/queue"
	"github.com/twinelabs/settlement/internal/secrets"
	"github.com/twinelabs/settlement/internal/settlement"
	"github.com/twinelabs/settlement/internal/verifier"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes one command. A nil provider selects the one named by
// --secrets-driver.
func runMain(args []string, stdout io.Writer, provider secrets.Provider) error {
	fs := flag.NewFlagSet("settlement-submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	kind := fs.String("kind", "", "command kind: deposit|commit|finalize (required)")

	index := fs.Uint64("index", 0, "deposit ledger position assigned by the source chain (required for deposit)")
	from := fs.String("from", "", "deposit sender address")
	to := fs.String("to", "", "deposit recipient address")
	amount := fs.Uint64("amount", 0, "deposit amount")

	batchNumber := fs.Uint64("batch-number", 0, "batch number (commit, finalize)")
	batchHash := fs.String("batch-hash", "", "batch hash bytes32 hex")
	previousStateRoot := fs.String("previous-state-root", "", "previous state root bytes32 hex")
	stateRoot := fs.String("state-root", "", "state root bytes32 hex")

	proof := fs.String("proof", "", "finalize proof hex")
	deposits := fs.Uint64("deposits", 0, "number of queued deposits the batch settles")
	attestKey := fs.String("attest-key-secret", "", "env var or Secrets Manager id (id#field) holding an attester ECDSA private key (32-byte hex); signs the batch public input as the proof")
	secretsDriver := fs.String("secrets-driver", secrets.DriverEnv, "secret provider: env|aws")

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", command.DefaultTopic, "command topic")
	timeout := fs.Duration("timeout", 10*time.Second, "publish timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var cmd command.Command
	switch strings.ToLower(strings.TrimSpace(*kind)) {
	case "deposit":
		indexSet := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "index" {
				indexSet = true
			}
		})
		if !indexSet {
			return errors.New("--index is required for deposit")
		}
		fromAddr, err := command.ParseAddress(*from)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
		toAddr, err := command.ParseAddress(*to)
		if err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
		cmd = command.Deposit{Index: *index, From: fromAddr, To: toAddr, Amount: *amount}

	case "commit":
		c, err := commitFromFlags(*batchNumber, *batchHash, *previousStateRoot, *stateRoot)
		if err != nil {
			return err
		}
		cmd = c

	case "finalize":
		if *batchNumber == 0 {
			return errors.New("--batch-number must be > 0")
		}
		f := command.Finalize{BatchNumber: *batchNumber, Deposits: *deposits}
		switch {
		case strings.TrimSpace(*attestKey) != "":
			if strings.TrimSpace(*proof) != "" {
				return errors.New("--proof and --attest-key-secret are mutually exclusive")
			}
			c, err := commitFromFlags(*batchNumber, *batchHash, *previousStateRoot, *stateRoot)
			if err != nil {
				return fmt.Errorf("attestation needs the committed batch: %w", err)
			}
			if provider == nil {
				if provider, err = secrets.New(context.Background(), *secretsDriver); err != nil {
					return err
				}
			}
			keyHex, err := provider.Get(context.Background(), *attestKey)
			if err != nil {
				return fmt.Errorf("resolve attester key: %w", err)
			}
			sig, err := attest(keyHex, c)
			if err != nil {
				return err
			}
			f.Proof = sig
		default:
			b, err := command.DecodeHexBytesOptional(*proof)
			if err != nil {
				return fmt.Errorf("parse --proof: %w", err)
			}
			f.Proof = b
		}
		cmd = f

	default:
		return fmt.Errorf("--kind must be deposit, commit, or finalize, got %q", *kind)
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return producer.Publish(ctx, *topic, command.PartitionKey, payload)
}

func commitFromFlags(batchNumber uint64, batchHash, previousStateRoot, stateRoot string) (command.Commit, error) {
	if batchNumber == 0 {
		return command.Commit{}, errors.New("--batch-number must be > 0")
	}
	c := command.Commit{BatchNumber: batchNumber}
	var err error
	if c.BatchHash, err = command.ParseHash32Strict(batchHash); err != nil {
		return command.Commit{}, fmt.Errorf("parse --batch-hash: %w", err)
	}
	if c.PreviousStateRoot, err = command.ParseHash32Strict(previousStateRoot); err != nil {
		return command.Commit{}, fmt.Errorf("parse --previous-state-root: %w", err)
	}
	if c.StateRoot, err = command.ParseHash32Strict(stateRoot); err != nil {
		return command.Commit{}, fmt.Errorf("parse --state-root: %w", err)
	}
	return c, nil
}

func attest(keyHex string, c command.Commit) ([]byte, error) {
	keyHex = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if keyHex == "" {
		return nil, errors.New("empty attester key")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse attester key: %w", err)
	}
	pi := settlement.DerivePublicInput(c.BatchNumber, c.BatchHash, c.PreviousStateRoot, c.StateRoot)
	return verifier.Attest(key, pi)
}
