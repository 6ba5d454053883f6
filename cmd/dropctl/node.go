package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"merkledrop/config"
	"merkledrop/core/events"
	"merkledrop/core/state"
	"merkledrop/integrations/journal"
	"merkledrop/integrations/webhooks"
	"merkledrop/native/merkledrop"
	"merkledrop/native/vault"
	"merkledrop/observability/logging"
	"merkledrop/observability/metrics"
	telemetry "merkledrop/observability/otel"
	"merkledrop/storage"
	"merkledrop/storage/trie"
)

var headKey = []byte("merkledrop/head")

type head struct {
	Root   common.Hash
	Height uint64
}

// node is the local ledger a dropctl invocation operates on: the persisted
// state trie plus the registry, ledger and vault wired over it.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       storage.Database
	state    *state.Manager
	vault    *vault.Vault
	registry *merkledrop.Registry
	ledger   *merkledrop.Ledger
	journal  *journal.Journal
	height   uint64

	// outbox holds ledger events until the state they describe is on disk.
	outbox *events.Recorder
	sinks  events.Fanout

	closers []func() error
}

func openNode(ctx context.Context, configPath string, stderr io.Writer) (*node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "dropctl",
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.ResolvePath(cfg.Logging.File),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Output:     stderr,
	})
	n := &node{cfg: cfg, logger: logger}
	n.closers = append(n.closers, logCloser.Close)

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Network:     cfg.NetworkName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	n.closers = append(n.closers, func() error { return provider.Shutdown(context.Background()) })
	if cfg.Telemetry.Metrics {
		if err := metrics.Merkledrop().AttachMeter(provider.Meter()); err != nil {
			n.Close()
			return nil, fmt.Errorf("attach meter: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		n.Close()
		return nil, err
	}
	db, err := storage.NewLevelDBWithOptions(cfg.ResolvePath("chaindata"), storage.LevelDBOptions{
		CacheMB: cfg.Storage.CacheMB,
		Handles: cfg.Storage.Handles,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db
	n.closers = append(n.closers, func() error { db.Close(); return nil })

	var root []byte
	if raw, err := db.Get(headKey); err == nil {
		var h head
		if err := rlp.DecodeBytes(raw, &h); err != nil {
			n.Close()
			return nil, fmt.Errorf("decode head: %w", err)
		}
		root = h.Root.Bytes()
		n.height = h.Height
	} else if !errors.Is(err, storage.ErrNotFound) {
		n.Close()
		return nil, err
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open state at %x: %w", root, err)
	}
	n.state = state.NewManager(tr)

	emitters := events.Fanout{}
	if cfg.Journal.Enabled {
		dsn, err := journal.FileDSN(cfg.ResolvePath(cfg.Journal.Path))
		if err != nil {
			n.Close()
			return nil, err
		}
		j, err := journal.Open(dsn)
		if err != nil {
			n.Close()
			return nil, err
		}
		j.SetLogger(logger)
		n.journal = j
		n.closers = append(n.closers, j.Close)
		emitters = append(emitters, j)
	}
	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		notifier, err := webhooks.NewNotifier(endpoint, []byte(os.Getenv(cfg.Webhook.SecretEnv)),
			webhooks.WithEventTypes(cfg.Webhook.Events...),
			webhooks.WithRateLimit(cfg.Webhook.RatePerSecond, cfg.Webhook.Burst),
			webhooks.WithLogger(logger))
		if err != nil {
			n.Close()
			return nil, err
		}
		n.closers = append(n.closers, func() error { notifier.Close(); return nil })
		emitters = append(emitters, notifier)
	}

	n.vault = vault.New(n.state)
	n.sinks = emitters
	n.outbox = &events.Recorder{}
	n.registry = merkledrop.NewRegistry(n.state, n.vault)
	n.registry.SetEmitter(n.outbox)
	n.registry.SetLogger(logger)
	n.registry.SetMetrics(metrics.Merkledrop())
	n.registry.SetTracer(provider.Tracer())
	n.registry.SetLimits(merkledrop.Limits{
		MaxBatchSize:  cfg.Merkledrop.MaxBatchSize,
		MaxProofDepth: cfg.Merkledrop.MaxProofDepth,
		MaxRangeSpan:  cfg.Merkledrop.MaxRangeSpan,
		DispatchWait:  time.Duration(cfg.Merkledrop.DispatchWaitMS) * time.Millisecond,
	})
	n.ledger = merkledrop.NewLedger(n.registry)

	if err := n.bootstrap(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// bootstrap registers configured assets that state does not know yet and
// applies the configured pause switch.
func (n *node) bootstrap() error {
	changed := false
	for _, asset := range n.cfg.Merkledrop.Assets {
		if n.state.TokenExists(asset.Symbol) {
			continue
		}
		if err := n.state.RegisterToken(asset.Symbol, asset.Name, asset.Decimals); err != nil {
			return fmt.Errorf("register asset %s: %w", asset.Symbol, err)
		}
		changed = true
	}
	if n.state.IsPaused(merkledrop.ModuleName) != n.cfg.Merkledrop.Paused {
		if err := n.state.SetPaused(merkledrop.ModuleName, n.cfg.Merkledrop.Paused); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		return n.commit()
	}
	return nil
}

// commit persists pending state, moves the head and only then publishes the
// events buffered since the last commit.
func (n *node) commit() error {
	root, err := n.state.Commit(n.height + 1)
	if err != nil {
		n.discardEvents(err)
		return fmt.Errorf("commit state: %w", err)
	}
	n.height++
	encoded, err := rlp.EncodeToBytes(&head{Root: root, Height: n.height})
	if err != nil {
		return err
	}
	if err := n.db.Put(headKey, encoded); err != nil {
		n.discardEvents(err)
		return err
	}
	for _, e := range n.outbox.Events {
		n.sinks.Emit(e)
	}
	n.outbox.Events = nil
	n.logger.Debug("dropctl: state committed", slog.String("root", root.Hex()), slog.Uint64("height", n.height))
	return nil
}

func (n *node) discardEvents(cause error) {
	if n.outbox == nil || len(n.outbox.Events) == 0 {
		return
	}
	n.logger.Warn("dropctl: events discarded, state not persisted",
		slog.Int("events", len(n.outbox.Events)),
		slog.Any("error", cause))
	n.outbox.Events = nil
}

func (n *node) Close() {
	n.discardEvents(errors.New("closed before commit"))
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && n.logger != nil {
			n.logger.Warn("dropctl: close failed", slog.Any("error", err))
		}
	}
	n.closers = nil
}
