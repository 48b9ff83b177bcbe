package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"docassist/internal/redis"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

const revokedKeyPrefix = "docassist:revoked:"

// Identity is the authenticated caller carried by a token.
type Identity struct {
	UserID   int64
	Username string
	TokenID  string
	Expires  time.Time
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues, validates, and revokes HS256 bearer tokens. Revocations are
// kept in redis when available so every replica honours them, and in a local
// cache otherwise.
type Service struct {
	secret     []byte
	tokenTTL   time.Duration
	headerName string
	rdb        *redis.Client
	revoked    *gocache.Cache
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewService constructs an auth service with the supplied signing secret and token lifetime.
func NewService(secret string, rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		secret:     []byte(secret),
		tokenTTL:   ttl,
		headerName: "Authorization",
		rdb:        rdb,
		revoked:    gocache.New(ttl, 10*time.Minute),
		logger:     logger,
		now:        time.Now,
	}
}

// IssueToken signs a token for the user.
func (s *Service) IssueToken(userID int64, username string) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := s.now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, expiry and revocation and returns the caller.
func (s *Service) ValidateToken(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, ErrInvalidToken
	}
	if s.isRevoked(ctx, c.ID) {
		return nil, ErrTokenRevoked
	}
	return &Identity{
		UserID:   userID,
		Username: c.Username,
		TokenID:  c.ID,
		Expires:  c.ExpiresAt.Time,
	}, nil
}

// RevokeToken denies the token until its natural expiry.
func (s *Service) RevokeToken(ctx context.Context, id *Identity) error {
	if id == nil || id.TokenID == "" {
		return nil
	}
	ttl := id.Expires.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	s.revoked.Set(id.TokenID, struct{}{}, ttl)
	if s.rdb.Enabled() {
		if err := s.rdb.Set(ctx, revokedKeyPrefix+id.TokenID, "1", ttl); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}
	return nil
}

func (s *Service) isRevoked(ctx context.Context, tokenID string) bool {
	if tokenID == "" {
		return false
	}
	if _, ok := s.revoked.Get(tokenID); ok {
		return true
	}
	if !s.rdb.Enabled() {
		return false
	}
	found, err := s.rdb.Exists(ctx, revokedKeyPrefix+tokenID)
	if err != nil {
		s.logger.WithError(err).Warn("revocation lookup failed")
		return false
	}
	return found
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
