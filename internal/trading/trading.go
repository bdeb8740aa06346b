package trading

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/matching"
	"github.com/ksred/brokerx/internal/orders"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/saga"
	"github.com/ksred/brokerx/internal/settlement"
	"github.com/ksred/brokerx/internal/types"
	"github.com/ksred/brokerx/pkg/middleware"
	"github.com/ksred/brokerx/pkg/response"
)

// Placer runs an order placement saga.
type Placer interface {
	PlaceOrder(ctx context.Context, req saga.PlaceOrderRequest) (*saga.Result, error)
}

// Service handles the client-facing order operations
type Service struct {
	db         *Database
	orders     *orders.Repository
	ledger     *ledger.Ledger
	settlement *settlement.Service
	engine     *matching.Engine
	placer     Placer
	band       saga.Config
}

func NewService(gormDB *gorm.DB, repo *orders.Repository, l *ledger.Ledger, settle *settlement.Service, engine *matching.Engine, placer Placer, cfg saga.Config) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		orders:     repo,
		ledger:     l,
		settlement: settle,
		engine:     engine,
		placer:     placer,
		band:       cfg,
	}
}

func (s *Service) PlaceOrder(ctx context.Context, req saga.PlaceOrderRequest) (*saga.Result, error) {
	return s.placer.PlaceOrder(ctx, req)
}

// GetOrder returns the account's order with its trades.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID string) (*OrderDetail, error) {
	o, err := s.orders.FindForAccount(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	trades, err := s.orders.ListTrades(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: o, Trades: trades}, nil
}

func (s *Service) ListOrders(ctx context.Context, accountID string, f OrderFilter) ([]types.Order, error) {
	return s.db.ListOrders(ctx, accountID, f)
}

func (s *Service) ListTrades(ctx context.Context, accountID string, limit int) ([]types.Trade, error) {
	return s.db.ListAccountTrades(ctx, accountID, limit)
}

func (s *Service) Balance(ctx context.Context, accountID string) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, accountID)
}

// Deposit credits an account, opening it on first use.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (ledger.Balance, error) {
	if !req.Amount.IsPositive() {
		return ledger.Balance{}, &types.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if _, err := s.ledger.OpenAccount(ctx, req.AccountID); err != nil {
		return ledger.Balance{}, err
	}
	if _, err := s.ledger.Credit(ctx, req.AccountID, req.Amount); err != nil {
		return ledger.Balance{}, err
	}
	return s.ledger.Balance(ctx, req.AccountID)
}

// currentVersion is the caller's expected version, or the stored one when
// the caller did not send any.
func (s *Service) currentVersion(ctx context.Context, orderID string, expected *int64) (int64, error) {
	if expected != nil {
		return *expected, nil
	}
	o, err := s.orders.Find(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return o.LockVersion, nil
}

// CancelOrder cancels the unfilled remainder of an order, releases its
// outstanding reservation and takes it out of the book. It holds the book
// lock so no fill interleaves with the cancel.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID string, req CancelOrderRequest) (*types.Order, error) {
	order, err := s.orders.FindForAccount(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderTerminal, order.Status)
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}

	var out *types.Order
	err = s.engine.WithBook(order.Symbol, func(book *matching.BookTx) error {
		version, err := s.currentVersion(ctx, orderID, req.LockVersion)
		if err != nil {
			return err
		}
		out, err = s.orders.CompareAndSwap(ctx, orderID, version, func(tx *gorm.DB, o *types.Order) ([]outbox.Message, error) {
			o.Status = types.StatusCancelled
			o.RejectReason = reason

			events, err := matching.ReleaseResidual(ctx, s.settlement.WithTx(tx), o, reason)
			if err != nil {
				return nil, err
			}
			return append(events,
				matching.ExecutionReport(o, o.PricePtr(), ""),
				outbox.Message{
					Type:          outbox.EventOrderCancelled,
					CorrelationID: o.CorrelationID,
					EntityType:    outbox.EntityOrder,
					EntityID:      o.ID,
					Payload:       outbox.OrderCancelled{OrderID: o.ID, AccountID: o.AccountID, Reason: reason},
				},
			), nil
		})
		if err != nil {
			return err
		}
		book.Remove(orderID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", orderID).
		Int64("filled_quantity", out.FilledQuantity).
		Msg("order cancelled")
	return out, nil
}

// ModifyOrder changes the quantity and price of a limit order that has not
// finished. For buys the reservation is topped up or partly released to
// cover the new remainder. A resting order loses its time priority and is
// matched again at the new price.
func (s *Service) ModifyOrder(ctx context.Context, accountID, orderID string, req ModifyOrderRequest) (*types.Order, error) {
	order, err := s.orders.FindForAccount(ctx, accountID, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case order.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s", types.ErrOrderTerminal, order.Status)
	case order.OrderType != types.Limit:
		return nil, &types.ValidationError{Field: "order_type", Reason: "only limit orders can be modified"}
	case order.Status == types.StatusPendingFunds:
		return nil, &types.ValidationError{Field: "status", Reason: "cannot modify an order awaiting funds"}
	case req.Price == nil || req.Price.LessThan(s.band.PriceBandMin) || req.Price.GreaterThan(s.band.PriceBandMax):
		return nil, &types.ValidationError{
			Field:  "price",
			Reason: fmt.Sprintf("outside trading band [%s, %s]", s.band.PriceBandMin, s.band.PriceBandMax),
		}
	}
	price := *req.Price

	var out *types.Order
	err = s.engine.WithBook(order.Symbol, func(book *matching.BookTx) error {
		version, err := s.currentVersion(ctx, orderID, req.LockVersion)
		if err != nil {
			return err
		}
		out, err = s.orders.CompareAndSwap(ctx, orderID, version, func(tx *gorm.DB, o *types.Order) ([]outbox.Message, error) {
			if req.Quantity <= o.FilledQuantity {
				return nil, &types.ValidationError{Field: "quantity", Reason: "must exceed the filled quantity"}
			}

			var events []outbox.Message
			if o.Direction == types.Buy {
				released, err := s.adjustReservation(ctx, tx, o, types.Notional(req.Quantity-o.FilledQuantity, price))
				if err != nil {
					return nil, err
				}
				if released.IsPositive() {
					events = append(events, outbox.Message{
						Type:          outbox.EventFundsReleased,
						CorrelationID: o.CorrelationID,
						EntityType:    outbox.EntityOrder,
						EntityID:      o.ID,
						Payload:       outbox.FundsReleased{OrderID: o.ID, ClientID: o.AccountID, Amount: released, Reason: "order modified"},
					})
				}
			}

			o.Quantity = req.Quantity
			o.Price = decimal.NewNullDecimal(price)
			o.QueuedAt = time.Now().UTC()
			return append(events, outbox.Message{
				Type:          outbox.EventOrderModified,
				CorrelationID: o.CorrelationID,
				EntityType:    outbox.EntityOrder,
				EntityID:      o.ID,
				Payload: outbox.OrderModified{
					OrderID:     o.ID,
					AccountID:   o.AccountID,
					Quantity:    o.Quantity,
					Price:       price,
					LockVersion: o.LockVersion + 1,
				},
			}), nil
		})
		if err != nil {
			return err
		}

		// Orders still new are not in the book yet; the engine picks up the
		// amended values when it gets to them.
		if !book.Contains(orderID) {
			return nil
		}
		rematched, err := book.Rematch(ctx, orderID)
		if err != nil {
			return err
		}
		out = rematched
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", orderID).
		Int64("quantity", out.Quantity).
		Str("price", price.String()).
		Str("status", string(out.Status)).
		Msg("order modified")
	return out, nil
}

// adjustReservation moves the order's reservation to required and returns
// what was released, if anything.
func (s *Service) adjustReservation(ctx context.Context, tx *gorm.DB, o *types.Order, required decimal.Decimal) (decimal.Decimal, error) {
	l := s.ledger.WithTx(tx)
	diff := required.Sub(o.ReservedAmount)
	switch {
	case diff.IsPositive():
		if _, err := l.TopUpForOrder(ctx, o.ID, diff); err != nil {
			return decimal.Zero, err
		}
	case diff.IsNegative():
		if _, err := l.ReleaseForOrder(ctx, o.ID, diff.Neg(), "order modified"); err != nil {
			return decimal.Zero, err
		}
	}
	o.ReservedAmount = required
	if diff.IsNegative() {
		return diff.Neg(), nil
	}
	return decimal.Zero, nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST /orders. The Idempotency-Key and
// X-Correlation-ID headers take precedence over the body fields.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req saga.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.AccountID = middleware.AccountID(c)
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}
		if id := c.GetHeader("X-Correlation-ID"); id != "" {
			req.CorrelationID = id
		}

		res, err := h.service.PlaceOrder(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if res.Status == saga.StatusAwaitingFunds {
			response.Accepted(c, res)
			return
		}
		response.Success(c, res)
	}
}

func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f OrderFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		list, err := h.service.ListOrders(c.Request.Context(), middleware.AccountID(c), f)
		response.Handle(c, list, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.service.GetOrder(c.Request.Context(), middleware.AccountID(c), c.Param("order_id"))
		response.Handle(c, detail, err)
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id with optional
// lock_version and reason query parameters.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := CancelOrderRequest{Reason: c.Query("reason")}
		if v := c.Query("lock_version"); v != "" {
			version, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				response.BadRequest(c, "lock_version must be an integer")
				return
			}
			req.LockVersion = &version
		}
		o, err := h.service.CancelOrder(c.Request.Context(), middleware.AccountID(c), c.Param("order_id"), req)
		response.Handle(c, o, err)
	}
}

func (h *GinHandlers) ModifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ModifyOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		o, err := h.service.ModifyOrder(c.Request.Context(), middleware.AccountID(c), c.Param("order_id"), req)
		response.Handle(c, o, err)
	}
}

func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		trades, err := h.service.ListTrades(c.Request.Context(), middleware.AccountID(c), limit)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) balanceView(accountID string, b ledger.Balance) types.BalanceResponse {
	return types.BalanceResponse{
		AccountID: accountID,
		Currency:  h.service.ledger.Currency(),
		Available: b.Available,
		Reserved:  b.Reserved,
	}
}

// BalanceHandler handles GET /accounts/:account_id/balance for the
// authenticated account only.
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")
		if accountID != middleware.AccountID(c) {
			response.Forbidden(c, "Cannot read another account's balance")
			return
		}
		b, err := h.service.Balance(c.Request.Context(), accountID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, h.balanceView(accountID, b))
	}
}

func (h *GinHandlers) DepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		levels, _ := strconv.Atoi(c.DefaultQuery("levels", "10"))
		response.Success(c, h.service.engine.Depth(c.Param("symbol"), levels))
	}
}

// DepositHandler is an operator route that funds an account.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		b, err := h.service.Deposit(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, h.balanceView(req.AccountID, b))
	}
}
