// Package broadcast pushes order, account, saga and trade updates to
// listeners. Delivery is fire-and-forget: a failed publish is logged and
// never affects the caller's operation.
package broadcast

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Stream names.
const StreamSagas = "sagas"

func OrderStream(orderID string) string     { return "orders:" + orderID }
func AccountStream(accountID string) string { return "accounts:" + accountID }
func TradeStream(symbol string) string      { return "trades:" + symbol }

type Broadcaster interface {
	Publish(ctx context.Context, stream string, payload interface{}) error
}

// Envelope is what listeners receive.
type Envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func encode(stream string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Stream: stream, Data: data})
}

// Multi publishes to every broadcaster and joins their errors.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, stream string, payload interface{}) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, stream, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send publishes and logs failures. b may be nil.
func Send(ctx context.Context, b Broadcaster, stream string, payload interface{}) {
	if b == nil {
		return
	}
	if err := b.Publish(ctx, stream, payload); err != nil {
		log.Warn().Err(err).Str("component", "broadcast").Str("stream", stream).Msg("failed to broadcast update")
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
