package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/brokerx/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Test credentials, registered outside production
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
	TestAccountID = "test-account"
)

// IssueRequest asks for a token on behalf of an account. Only internal
// callers may issue these.
type IssueRequest struct {
	AccountID string `json:"account_id" binding:"required,max=64"`
}

const DefaultTokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	AccountID  string    `json:"account_id"`
	Expiration time.Time `json:"expiration"`
}

// Claims identifies the account a token acts for.
type Claims struct {
	jwt.RegisteredClaims
	AccountID   string   `json:"account_id"`
	Permissions []string `json:"permissions"`
}

type apiKey struct {
	secret    string
	accountID string
}

// Service issues and validates account tokens.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration

	mu   sync.RWMutex
	keys map[string]apiKey
}

func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		keys:      make(map[string]apiKey),
	}
}

// RegisterAPICredentials binds an API key pair to an account.
func (s *Service) RegisterAPICredentials(key, secret, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = apiKey{secret: secret, accountID: accountID}
}

// GenerateToken exchanges valid API credentials for a signed token.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	key, ok := s.keys[creds.APIKey]
	s.mu.RUnlock()
	if !ok || key.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(key.accountID)
}

// IssueToken signs a trading token for accountID.
func (s *Service) IssueToken(accountID string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		AccountID:   accountID,
		Permissions: []string{"trade"},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: signed, AccountID: accountID, Expiration: expiration}, nil
}

// ValidateToken verifies the signature and expiry and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler handles POST /auth/token.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// IssueTokenHandler handles POST /internal/tokens.
func (h *GinHandlers) IssueTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IssueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		token, err := h.service.IssueToken(req.AccountID)
		response.Handle(c, token, err)
	}
}
