package vault

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
)

var snapshotKey = []byte("vault:state:v1")

// Store persists vault state snapshots to a database so a daemon can restore
// the ledger across restarts.
type Store struct {
	db     database.Database
	logger log.Logger
}

// NewStore creates a snapshot store on top of a database handle.
func NewStore(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "vault-store")
	}
	return &Store{db: db, logger: logger}
}

type poolSnapshot struct {
	PoolAmount            string    `json:"poolAmount"`
	ReservedAmount        string    `json:"reservedAmount"`
	FeeReserve            string    `json:"feeReserve"`
	GuaranteedUsd         string    `json:"guaranteedUsd"`
	CumulativeFundingRate string    `json:"cumulativeFundingRate"`
	LastFundingTime       time.Time `json:"lastFundingTime"`
	TokenBalance          string    `json:"tokenBalance"`
}

type positionSnapshot struct {
	Size              string    `json:"size"`
	Collateral        string    `json:"collateral"`
	AveragePrice      string    `json:"averagePrice"`
	EntryFundingRate  string    `json:"entryFundingRate"`
	ReserveAmount     string    `json:"reserveAmount"`
	RealisedPnl       string    `json:"realisedPnl"`
	LastIncreasedTime time.Time `json:"lastIncreasedTime"`
}

type shortsSnapshot struct {
	Sizes          map[string]string    `json:"sizes"`
	AveragePrices  map[string]string    `json:"averagePrices"`
	DataReady      bool                 `json:"dataReady"`
	Initialized    bool                 `json:"initialized"`
	LastCorrection map[string]time.Time `json:"lastCorrection"`
}

type vaultSnapshot struct {
	Timestamp time.Time                   `json:"timestamp"`
	Pools     map[string]poolSnapshot     `json:"pools"`
	Positions map[string]positionSnapshot `json:"positions"`
	Shorts    shortsSnapshot              `json:"shorts"`
}

// Save writes the current ledger state.
func (s *Store) Save(v *Vault) error {
	snap := v.snapshotState()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.db.Put(snapshotKey, data); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	s.logger.Info("vault snapshot saved", "pools", len(snap.Pools), "positions", len(snap.Positions))
	return nil
}

// Load restores ledger state into a vault whose assets are already
// registered. Returns database.ErrNotFound when no snapshot exists.
func (s *Store) Load(v *Vault) error {
	data, err := s.db.Get(snapshotKey)
	if err != nil {
		return err
	}
	var snap vaultSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := v.restoreState(&snap); err != nil {
		return err
	}
	s.logger.Info("vault snapshot restored", "pools", len(snap.Pools),
		"positions", len(snap.Positions), "taken", snap.Timestamp)
	return nil
}

func (v *Vault) snapshotState() *vaultSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap := &vaultSnapshot{
		Timestamp: v.nowFn(),
		Pools:     make(map[string]poolSnapshot, len(v.pools)),
		Positions: make(map[string]positionSnapshot, len(v.positions)),
	}
	for asset, ps := range v.pools {
		snap.Pools[asset] = poolSnapshot{
			PoolAmount:            ps.poolAmount.String(),
			ReservedAmount:        ps.reservedAmount.String(),
			FeeReserve:            ps.feeReserve.String(),
			GuaranteedUsd:         ps.guaranteedUsd.String(),
			CumulativeFundingRate: ps.cumulativeFundingRate.String(),
			LastFundingTime:       ps.lastFundingTime,
			TokenBalance:          ps.tokenBalance.String(),
		}
	}
	for key, pos := range v.positions {
		if pos.IsEmpty() {
			continue
		}
		snap.Positions[key] = positionSnapshot{
			Size:              pos.Size.String(),
			Collateral:        pos.Collateral.String(),
			AveragePrice:      pos.AveragePrice.String(),
			EntryFundingRate:  pos.EntryFundingRate.String(),
			ReserveAmount:     pos.ReserveAmount.String(),
			RealisedPnl:       pos.RealisedPnl.String(),
			LastIncreasedTime: pos.LastIncreasedTime,
		}
	}

	t := v.shorts
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap.Shorts = shortsSnapshot{
		Sizes:          make(map[string]string, len(t.sizes)),
		AveragePrices:  make(map[string]string, len(t.averagePrices)),
		DataReady:      t.dataReady,
		Initialized:    t.initialized,
		LastCorrection: make(map[string]time.Time, len(t.lastCorrection)),
	}
	for asset, size := range t.sizes {
		snap.Shorts.Sizes[asset] = size.String()
	}
	for asset, price := range t.averagePrices {
		snap.Shorts.AveragePrices[asset] = price.String()
	}
	for asset, at := range t.lastCorrection {
		snap.Shorts.LastCorrection[asset] = at
	}
	return snap
}

func (v *Vault) restoreState(snap *vaultSnapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for asset, p := range snap.Pools {
		ps, ok := v.pools[asset]
		if !ok {
			return fmt.Errorf("%w: snapshot asset %s", ErrUnknownAsset, asset)
		}
		var err error
		if ps.poolAmount, err = parseBig(p.PoolAmount); err != nil {
			return err
		}
		if ps.reservedAmount, err = parseBig(p.ReservedAmount); err != nil {
			return err
		}
		if ps.feeReserve, err = parseBig(p.FeeReserve); err != nil {
			return err
		}
		if ps.guaranteedUsd, err = parseBig(p.GuaranteedUsd); err != nil {
			return err
		}
		if ps.cumulativeFundingRate, err = parseBig(p.CumulativeFundingRate); err != nil {
			return err
		}
		if ps.tokenBalance, err = parseBig(p.TokenBalance); err != nil {
			return err
		}
		ps.lastFundingTime = p.LastFundingTime
	}

	for key, p := range snap.Positions {
		pos := NewPosition()
		var err error
		if pos.Size, err = parseBig(p.Size); err != nil {
			return err
		}
		if pos.Collateral, err = parseBig(p.Collateral); err != nil {
			return err
		}
		if pos.AveragePrice, err = parseBig(p.AveragePrice); err != nil {
			return err
		}
		if pos.EntryFundingRate, err = parseBig(p.EntryFundingRate); err != nil {
			return err
		}
		if pos.ReserveAmount, err = parseBig(p.ReserveAmount); err != nil {
			return err
		}
		if pos.RealisedPnl, err = parseBig(p.RealisedPnl); err != nil {
			return err
		}
		pos.LastIncreasedTime = p.LastIncreasedTime
		v.positions[key] = pos
	}

	t := v.shorts
	t.mu.Lock()
	defer t.mu.Unlock()
	for asset, s := range snap.Shorts.Sizes {
		size, err := parseBig(s)
		if err != nil {
			return err
		}
		t.sizes[asset] = size
	}
	for asset, s := range snap.Shorts.AveragePrices {
		price, err := parseBig(s)
		if err != nil {
			return err
		}
		t.averagePrices[asset] = price
	}
	for asset, at := range snap.Shorts.LastCorrection {
		t.lastCorrection[asset] = at
	}
	t.dataReady = snap.Shorts.DataReady
	t.initialized = snap.Shorts.Initialized
	return nil
}

func parseBig(s string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}
	return out, nil
}
