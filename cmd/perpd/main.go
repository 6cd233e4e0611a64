// perpd runs the position ledger daemon: it restores ledger state from
// disk, serves JSON-RPC queries, streams price quotes into the oracle,
// publishes ledger events to NATS, and keeps funding accrual current.
package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/leveldb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/access"
	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/events"
	"github.com/luxfi/perp/pkg/history"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/oracle"
	"github.com/luxfi/perp/pkg/vault"
	"github.com/luxfi/perp/pkg/websocket"
)

func main() {
	var (
		rpcPort      = flag.Int("rpc-port", 8588, "JSON-RPC listen port")
		wsPort       = flag.Int("ws-port", 8589, "Event stream WebSocket port (0 disables)")
		metricsPort  = flag.String("metrics-port", "9093", "Prometheus metrics port")
		natsURL      = flag.String("nats", "nats://localhost:4222", "NATS server URL")
		feedURL      = flag.String("feed", "", "Price feed websocket URL (empty disables)")
		dataDir      = flag.String("data-dir", "perpd-data", "LevelDB data directory")
		memDB        = flag.Bool("memdb", false, "Use in-memory database")
		snapInterval = flag.Duration("snapshot-interval", 30*time.Second, "State snapshot interval")
		liquidators  = flag.String("liquidators", "", "Comma-separated liquidator addresses")
	)
	flag.Parse()

	logger := log.Root().New("module", "perpd")
	logger.Info("starting position ledger daemon", "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	var db database.Database
	if *memDB {
		db = memdb.New()
		logger.Info("using in-memory database")
	} else {
		ldb, err := leveldb.New(*dataDir, 0, 0, 0)
		if err != nil {
			logger.Warn("leveldb unavailable, falling back to memdb", "error", err)
			db = memdb.New()
		} else {
			db = ldb
		}
	}
	defer db.Close()

	// Core ledger
	px := oracle.New(log.Root().New("module", "oracle"))
	gate := access.NewGate(log.Root().New("module", "access"))
	bank := vault.NewMemoryBank("vault")
	v := vault.New(vault.DefaultConfig(), px, gate, bank,
		log.Root().New("module", "vault"))

	for _, addr := range strings.Split(*liquidators, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			gate.Grant(access.RoleLiquidator, addr)
		}
	}

	registerDefaultAssets(v, logger)

	// Restore persisted state
	store := vault.NewStore(db, log.Root().New("module", "store"))
	if err := store.Load(v); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Info("no persisted state, starting fresh")
		} else {
			logger.Error("state restore failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("state restored", "positions", len(v.PositionKeys()))
	}

	// Ledger state history
	recorder := history.NewRecorder(v, db, log.Root().New("module", "history"))
	recorder.Start()
	defer recorder.Stop()

	// Events over NATS, with per-operation call counters.
	fanout := &eventFanout{counters: metrics.NewCallCounters(nil)}
	if pub, err := events.Connect(*natsURL, log.Root().New("module", "events")); err != nil {
		logger.Warn("nats unavailable, events disabled", "error", err)
	} else {
		fanout.sinks = append(fanout.sinks, pub)
		defer pub.Close()
	}
	if *wsPort > 0 {
		stream := websocket.NewServer(v, log.Root().New("module", "stream"))
		fanout.sinks = append(fanout.sinks, stream)
		go func() {
			if err := stream.Start(*wsPort); err != nil {
				logger.Error("event stream server stopped", "error", err)
			}
		}()
		defer stream.Stop()
	}
	v.SetEventSink(fanout)

	// Price feed
	if *feedURL != "" {
		feed := oracle.NewFeedClient(*feedURL, defaultFeedSymbols(), px,
			log.Root().New("module", "feed"))
		if err := feed.Start(); err != nil {
			logger.Error("price feed start failed", "error", err)
			os.Exit(1)
		}
		defer feed.Stop()
	}

	// Metrics
	m, err := metrics.NewPerpMetrics("perp")
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}
	if err := m.StartServer(*metricsPort); err != nil {
		logger.Error("metrics server failed", "error", err)
		os.Exit(1)
	}
	go m.CollectSystemMetrics(ctx)
	fanout.perp = m

	// JSON-RPC
	go func() {
		if err := api.StartJSONRPCServer(ctx, *rpcPort, v, log.Root().New("module", "api")); err != nil {
			logger.Error("rpc server stopped", "error", err)
		}
	}()

	// Workers
	go fundingKeeper(ctx, v, logger)
	go snapshotWorker(ctx, store, v, *snapInterval, logger)
	go gaugeWorker(ctx, v, m)

	logger.Info("daemon ready",
		"rpc_port", *rpcPort,
		"ws_port", *wsPort,
		"metrics_port", *metricsPort,
		"data_dir", *dataDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	cancel()

	if err := store.Save(v); err != nil {
		logger.Error("final snapshot failed", "error", err)
	} else {
		logger.Info("final snapshot saved")
	}
}

// eventFanout counts ledger events and forwards them to every sink.
// Registered as the vault's event sink before any traffic is served.
type eventFanout struct {
	counters *metrics.CallCounters
	perp     *metrics.PerpMetrics
	sinks    []vault.EventSink
}

func (f *eventFanout) Publish(event vault.Event) {
	switch event.Type {
	case vault.EventIncreasePosition:
		f.counters.Increases.Inc()
		if f.perp != nil {
			f.perp.RecordIncrease()
		}
	case vault.EventDecreasePosition:
		f.counters.Decreases.Inc()
		if f.perp != nil {
			f.perp.RecordDecrease()
		}
	case vault.EventLiquidatePosition:
		f.counters.Liquidations.Inc()
		if f.perp != nil {
			f.perp.RecordLiquidation(event.Liquidation)
		}
	case vault.EventUpdateFunding:
		f.counters.FundingTicks.Inc()
		if f.perp != nil {
			f.perp.RecordFundingUpdate()
		}
	}
	for _, sink := range f.sinks {
		sink.Publish(event)
	}
}

// registerDefaultAssets sets up the standard markets. Asset listings are
// static for now; a governance-driven registry can replace this later.
func registerDefaultAssets(v *vault.Vault, logger log.Logger) {
	defaults := []vault.AssetConfig{
		{Symbol: "BTC", Decimals: 8, IsStable: false, IsShortable: true},
		{Symbol: "ETH", Decimals: 18, IsStable: false, IsShortable: true},
		{Symbol: "USDC", Decimals: 6, IsStable: true, IsShortable: false},
	}
	for _, cfg := range defaults {
		if err := v.RegisterAsset(cfg); err != nil {
			// Already present when restored from snapshot.
			logger.Debug("asset registration skipped", "asset", cfg.Symbol, "error", err)
		}
	}
}

func defaultFeedSymbols() map[string]string {
	return map[string]string{
		"BTC-USD": "BTC",
		"ETH-USD": "ETH",
	}
}

// fundingKeeper accrues funding for every asset once per minute. The
// ledger itself floors accrual to whole funding intervals, so frequent
// ticks are idempotent.
func fundingKeeper(ctx context.Context, v *vault.Vault, logger log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, asset := range v.Assets() {
				if err := v.UpdateFunding(asset); err != nil {
					logger.Warn("funding update failed", "asset", asset, "error", err)
				}
			}
		}
	}
}

func snapshotWorker(ctx context.Context, store *vault.Store, v *vault.Vault, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Save(v); err != nil {
				logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

func gaugeWorker(ctx context.Context, v *vault.Vault, m *metrics.PerpMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, asset := range v.Assets() {
				pool, _ := new(big.Float).SetInt(v.PoolAmount(asset)).Float64()
				fees, _ := new(big.Float).SetInt(v.FeeReserve(asset)).Float64()
				m.UpdatePoolState(asset, pool, fees)

				shortSize, _ := new(big.Float).SetInt(v.GlobalShortSize(asset)).Float64()
				m.UpdateGlobalShortSize(asset, shortSize)
			}
		}
	}
}
