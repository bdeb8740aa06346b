package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
)

// FundsHandler is the funds service side of the event-driven placement
// flow. It answers order.requested with funds.reserved or
// funds.reservation_failed, written to the outbox in the same transaction
// as the reservation.
type FundsHandler struct {
	db     *gorm.DB
	ledger *Ledger
	outbox *outbox.Store
}

func NewFundsHandler(db *gorm.DB, ledger *Ledger, store *outbox.Store) *FundsHandler {
	return &FundsHandler{db: db, ledger: ledger, outbox: store}
}

// HandleOrderRequested reserves the estimated cost once per order id.
// Redelivery of an already reserved order is a no-op.
func (h *FundsHandler) HandleOrderRequested(ctx context.Context, msg eventbus.Message) error {
	var req outbox.OrderRequested
	if err := msg.Decode(&req); err != nil {
		return err
	}

	logger := log.With().
		Str("service", "funds").
		Str("order_id", req.OrderID).
		Str("client_id", req.ClientID).
		Str("correlation_id", req.CorrelationID).
		Logger()

	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events := h.outbox.WithTx(tx)

		r, created, err := h.ledger.WithTx(tx).ReserveForOrder(ctx, req.OrderID, req.ClientID, req.EstimatedCost, req.CorrelationID)
		switch {
		case err == nil && !created:
			logger.Info().Str("status", string(r.Status)).Msg("order already has a reservation, ignoring redelivery")
			return nil

		case err == nil:
			logger.Info().Str("amount", r.Amount.String()).Msg("funds reserved")
			return events.Append(ctx, outbox.Message{
				Type:          outbox.EventFundsReserved,
				CorrelationID: req.CorrelationID,
				EntityType:    outbox.EntityOrder,
				EntityID:      req.OrderID,
				Payload: outbox.FundsReserved{
					OrderID:        req.OrderID,
					ClientID:       req.ClientID,
					ReservedAmount: r.Amount,
				},
			})

		case types.IsBusinessRejection(err):
			logger.Warn().Err(err).Msg("funds reservation rejected")
			return events.Append(ctx, outbox.Message{
				Type:          outbox.EventFundsReservationFailed,
				CorrelationID: req.CorrelationID,
				EntityType:    outbox.EntityOrder,
				EntityID:      req.OrderID,
				Payload: outbox.FundsReservationFailed{
					OrderID:  req.OrderID,
					ClientID: req.ClientID,
					Reason:   err.Error(),
				},
			})

		default:
			return fmt.Errorf("failed to reserve funds for order %s: %w", req.OrderID, err)
		}
	})
}

// Subscribe registers the handler for order.requested on bus.
func (h *FundsHandler) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(string(outbox.EventOrderRequested), h.HandleOrderRequested)
}
