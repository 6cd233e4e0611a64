// Package events publishes ledger state changes over NATS so downstream
// services (risk monitors, indexers, UIs) can follow the book without
// polling the ledger.
package events

import (
	"encoding/json"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/vault"
)

// Subject prefixes for published events.
const (
	SubjectPositions = "perp.position"
	SubjectFunding   = "perp.funding"
	SubjectFees      = "perp.fees"
)

// Publisher forwards vault events to NATS subjects. Publishing is
// fire-and-forget; a dropped event never blocks or fails a ledger call.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials NATS with infinite reconnects and returns a Publisher.
func Connect(url string, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("nats connected", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &Publisher{nc: nc, logger: logger}
}

// Publish implements vault.EventSink.
func (p *Publisher) Publish(event vault.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}
	if err := p.nc.Publish(subjectFor(event), data); err != nil {
		p.logger.Warn("event publish failed", "type", event.Type, "error", err)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

func subjectFor(event vault.Event) string {
	switch event.Type {
	case vault.EventUpdateFunding:
		return SubjectFunding + "." + event.IndexAsset
	case vault.EventCollectFees:
		return SubjectFees + "." + event.CollateralAsset
	default:
		return SubjectPositions + "." + event.Type
	}
}
