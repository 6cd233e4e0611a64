// Package history records periodic per-asset ledger state samples.
//
// Each sample captures pool composition, funding state, the short
// aggregate, and the oracle quote at the time it was taken. Samples
// are persisted to the database for later queries and fanned out to
// in-process subscribers.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/vault"
)

// DefaultSampleInterval is how often the recorder samples the ledger.
const DefaultSampleInterval = time.Minute

// DefaultRetention is how long persisted samples are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Sample is a point-in-time view of one asset's ledger state. Amounts
// are decimal strings in native token units, USD and price values
// carry 30 decimals of precision.
type Sample struct {
	Asset                 string    `json:"asset"`
	Time                  time.Time `json:"time"`
	PoolAmount            string    `json:"poolAmount"`
	ReservedAmount        string    `json:"reservedAmount"`
	FeeReserve            string    `json:"feeReserve"`
	GuaranteedUsd         string    `json:"guaranteedUsd"`
	CumulativeFundingRate string    `json:"cumulativeFundingRate"`
	GlobalShortSize       string    `json:"globalShortSize"`
	MinPrice              string    `json:"minPrice,omitempty"`
	MaxPrice              string    `json:"maxPrice,omitempty"`
}

// Recorder samples the ledger on a fixed cadence and persists the
// result.
type Recorder struct {
	vault  *vault.Vault
	db     database.Database
	logger log.Logger

	interval  time.Duration
	retention time.Duration

	latest   map[string]*Sample
	latestMu sync.RWMutex

	subscribers map[string][]chan *Sample
	subMu       sync.RWMutex

	totalSamples uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder with the default cadence and
// retention.
func NewRecorder(v *vault.Vault, db database.Database, logger log.Logger) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())

	return &Recorder{
		vault:       v,
		db:          db,
		logger:      logger,
		interval:    DefaultSampleInterval,
		retention:   DefaultRetention,
		latest:      make(map[string]*Sample),
		subscribers: make(map[string][]chan *Sample),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetInterval overrides the sample cadence. Call before Start.
func (r *Recorder) SetInterval(d time.Duration) {
	r.interval = d
}

// SetRetention overrides how long samples are kept. Call before Start.
func (r *Recorder) SetRetention(d time.Duration) {
	r.retention = d
}

// Start launches the sampling and cleanup loops.
func (r *Recorder) Start() {
	r.wg.Add(2)
	go r.run()
	go r.cleanupLoop()
	r.logger.Info("history recorder started", "interval", r.interval)
}

// Stop halts sampling and waits for the loops to exit.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.SampleAll()
		}
	}
}

// SampleAll takes one sample per registered asset.
func (r *Recorder) SampleAll() {
	now := time.Now()
	for _, asset := range r.vault.Assets() {
		r.record(r.takeSample(asset, now))
	}
}

func (r *Recorder) takeSample(asset string, now time.Time) *Sample {
	s := &Sample{
		Asset:                 asset,
		Time:                  now,
		PoolAmount:            r.vault.PoolAmount(asset).String(),
		ReservedAmount:        r.vault.ReservedAmount(asset).String(),
		FeeReserve:            r.vault.FeeReserve(asset).String(),
		GuaranteedUsd:         r.vault.GuaranteedUsd(asset).String(),
		CumulativeFundingRate: r.vault.CumulativeFundingRate(asset).String(),
		GlobalShortSize:       r.vault.GlobalShortSize(asset).String(),
	}

	// Quotes may be missing or stale; the sample is still useful.
	if min, err := r.vault.Oracle().MinPrice(asset); err == nil {
		s.MinPrice = min.String()
	}
	if max, err := r.vault.Oracle().MaxPrice(asset); err == nil {
		s.MaxPrice = max.String()
	}

	return s
}

func (r *Recorder) record(s *Sample) {
	r.latestMu.Lock()
	r.latest[s.Asset] = s
	r.latestMu.Unlock()

	atomic.AddUint64(&r.totalSamples, 1)

	value, err := json.Marshal(s)
	if err != nil {
		r.logger.Error("failed to marshal sample", "error", err)
		return
	}
	if err := r.db.Put([]byte(sampleKey(s.Asset, s.Time)), value); err != nil {
		r.logger.Error("failed to store sample", "asset", s.Asset, "error", err)
	}

	r.subMu.RLock()
	for _, ch := range r.subscribers[s.Asset] {
		select {
		case ch <- s:
		default:
		}
	}
	r.subMu.RUnlock()
}

// Subscribe returns a channel receiving every new sample for an
// asset. Slow consumers miss samples rather than blocking the
// recorder.
func (r *Recorder) Subscribe(asset string) <-chan *Sample {
	ch := make(chan *Sample, 100)

	r.subMu.Lock()
	r.subscribers[asset] = append(r.subscribers[asset], ch)
	r.subMu.Unlock()

	return ch
}

// Latest returns the most recent sample for an asset, or nil.
func (r *Recorder) Latest(asset string) *Sample {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	return r.latest[asset]
}

// Samples returns persisted samples for an asset taken at or after
// since, oldest first, capped at limit.
func (r *Recorder) Samples(asset string, since time.Time, limit int) ([]*Sample, error) {
	samples := make([]*Sample, 0, limit)

	iter := r.db.NewIteratorWithPrefix([]byte(samplePrefix(asset)))
	defer iter.Release()

	for iter.Next() {
		var s Sample
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			continue
		}
		if s.Time.Before(since) {
			continue
		}
		samples = append(samples, &s)
		if len(samples) >= limit {
			break
		}
	}
	return samples, iter.Error()
}

// GetStats returns recorder statistics.
func (r *Recorder) GetStats() map[string]interface{} {
	r.latestMu.RLock()
	numAssets := len(r.latest)
	r.latestMu.RUnlock()

	return map[string]interface{}{
		"total_samples": atomic.LoadUint64(&r.totalSamples),
		"assets":        numAssets,
	}
}

func (r *Recorder) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup batch-deletes samples older than the retention window.
func (r *Recorder) cleanup() {
	cutoff := time.Now().Add(-r.retention)
	batch := r.db.NewBatch()
	defer batch.Reset()

	for _, asset := range r.vault.Assets() {
		iter := r.db.NewIteratorWithPrefix([]byte(samplePrefix(asset)))
		for iter.Next() {
			var s Sample
			if err := json.Unmarshal(iter.Value(), &s); err != nil {
				continue
			}
			if s.Time.Before(cutoff) {
				batch.Delete(iter.Key())
			}
		}
		iter.Release()
	}

	if err := batch.Write(); err != nil {
		r.logger.Error("failed to prune old samples", "error", err)
	}
}

// sampleKey zero-pads the nanosecond timestamp so iteration order
// matches time order and samples taken close together keep distinct
// keys.
func sampleKey(asset string, t time.Time) string {
	return fmt.Sprintf("%s%020d", samplePrefix(asset), t.UnixNano())
}

func samplePrefix(asset string) string {
	return fmt.Sprintf("history:%s:", asset)
}
