package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/types"
	"github.com/ksred/brokerx/pkg/middleware"
	"github.com/ksred/brokerx/pkg/response"
)

// Service applies the cash side of matches to the ledger.
type Service struct {
	db     *Database
	ledger *ledger.Ledger
	cycle  time.Duration
	now    func() time.Time
}

// NewService creates a settlement service. cycle is the delay between the
// trade and its settlement date (zero settles same day).
func NewService(gormDB *gorm.DB, l *ledger.Ledger, cycle time.Duration) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: l,
		cycle:  cycle,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithTx binds the service and its ledger to the caller's transaction.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{
		db:     s.db.WithTx(tx),
		ledger: s.ledger.WithTx(tx),
		cycle:  s.cycle,
		now:    s.now,
	}
}

// SettleMatch consumes the buyer's reservation for the match amount, credits
// the seller and records the settlement. A match that was already settled is
// returned unchanged.
func (s *Service) SettleMatch(ctx context.Context, m Match) (*Settlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("match_id", m.MatchID).
		Str("symbol", m.Symbol).
		Logger()

	if existing, err := s.db.GetSettlementByMatchID(ctx, m.MatchID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrSettlementNotFound) {
		return nil, err
	}

	amount := m.Amount()
	if !amount.IsPositive() {
		return nil, &types.ValidationError{Field: "amount", Reason: "settlement amount must be positive"}
	}

	if _, err := s.ledger.SettleForOrder(ctx, m.BuyOrderID, amount); err != nil {
		logger.Error().Err(err).Str("order_id", m.BuyOrderID).Msg("failed to settle buyer reservation")
		return nil, fmt.Errorf("failed to settle buyer: %w", err)
	}

	if _, err := s.ledger.OpenAccount(ctx, m.SellerAccountID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Credit(ctx, m.SellerAccountID, amount); err != nil {
		logger.Error().Err(err).Str("account_id", m.SellerAccountID).Msg("failed to credit seller")
		return nil, fmt.Errorf("failed to credit seller: %w", err)
	}

	now := s.now()
	record := &Settlement{
		SettlementID:    "STL_" + uuid.New().String(),
		MatchID:         m.MatchID,
		Symbol:          m.Symbol,
		BuyOrderID:      m.BuyOrderID,
		SellOrderID:     m.SellOrderID,
		BuyerAccountID:  m.BuyerAccountID,
		SellerAccountID: m.SellerAccountID,
		Quantity:        m.Quantity,
		Price:           m.Price,
		Amount:          amount,
		Currency:        s.ledger.Currency(),
		Status:          StatusPending,
		SettlementDate:  now.Add(s.cycle),
	}
	if err := s.db.CreateSettlement(ctx, record); err != nil {
		return nil, err
	}

	logger.Info().
		Str("settlement_id", record.SettlementID).
		Str("amount", amount.String()).
		Time("settlement_date", record.SettlementDate).
		Msg("match settled")
	return record, nil
}

// ReleaseResidual frees whatever the order still has reserved. It is called
// when an order reaches a terminal state.
func (s *Service) ReleaseResidual(ctx context.Context, orderID, reason string) (decimal.Decimal, error) {
	return s.ledger.ReleaseRemainingForOrder(ctx, orderID, reason)
}

func (s *Service) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	return s.db.GetSettlement(ctx, settlementID)
}

func (s *Service) GetAccountSettlements(ctx context.Context, accountID string) ([]Settlement, error) {
	return s.db.GetAccountSettlements(ctx, accountID)
}

func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.service.GetSettlement(c.Request.Context(), c.Param("settlement_id"))
		if errors.Is(err, ErrSettlementNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		if err == nil {
			accountID := middleware.AccountID(c)
			if s.BuyerAccountID != accountID && s.SellerAccountID != accountID {
				response.NotFound(c, ErrSettlementNotFound.Error())
				return
			}
		}
		response.Handle(c, s, err)
	}
}

func (h *GinHandlers) GetAccountSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.GetAccountSettlements(c.Request.Context(), middleware.AccountID(c))
		response.Handle(c, list, err)
	}
}
