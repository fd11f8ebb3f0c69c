package digest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

// ErrInvalidUnsubscribe is returned for requests that do not identify a user
// with a valid token or an accepted legacy id
var ErrInvalidUnsubscribe = errors.New("invalid unsubscribe request")

const unsubscribePurpose = "unsubscribe"

type unsubscribeClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 unsubscribe tokens
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. An empty secret gets a random one, which
// makes links invalid across restarts; production config requires a secret.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate unsubscribe secret: %w", err)
		}
	}
	return &TokenSigner{secret: key, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the clock used for issue and expiry times
func (s *TokenSigner) WithClock(now func() time.Time) *TokenSigner {
	s.now = now
	return s
}

// Sign returns a token for userID
func (s *TokenSigner) Sign(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID is required")
	}

	now := s.now()
	claims := unsubscribeClaims{
		Purpose: unsubscribePurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign unsubscribe token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and purpose and returns the token's user id
func (s *TokenSigner) Verify(token string) (string, error) {
	var claims unsubscribeClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUnsubscribe, err)
	}
	if claims.Purpose != unsubscribePurpose || claims.Subject == "" {
		return "", fmt.Errorf("%w: token is not an unsubscribe token", ErrInvalidUnsubscribe)
	}
	return claims.Subject, nil
}

// UnsubscribeRequest carries either a user id plus token, or a legacy bare user id
type UnsubscribeRequest struct {
	UserID       string
	Token        string
	LegacyUserID string
}

// UnsubscribeService turns unsubscribe links into directory updates
type UnsubscribeService struct {
	signer      *TokenSigner
	users       interfaces.UserDirectory
	baseURL     string
	allowLegacy bool
	logger      arbor.ILogger
}

// NewUnsubscribeService creates a new unsubscribe service
func NewUnsubscribeService(signer *TokenSigner, users interfaces.UserDirectory, baseURL string, allowLegacy bool, logger arbor.ILogger) *UnsubscribeService {
	return &UnsubscribeService{
		signer:      signer,
		users:       users,
		baseURL:     strings.TrimRight(baseURL, "/"),
		allowLegacy: allowLegacy,
		logger:      logger,
	}
}

// NewUnsubscribeServiceFromConfig builds the signer and service from config
func NewUnsubscribeServiceFromConfig(cfg *common.Config, users interfaces.UserDirectory, logger arbor.ILogger) (*UnsubscribeService, error) {
	if cfg.Unsubscribe.Secret == "" {
		logger.Warn().Msg("No unsubscribe secret configured, links will not survive a restart")
	}
	signer, err := NewTokenSigner(cfg.Unsubscribe.Secret, common.ParseDuration(cfg.Unsubscribe.TokenTTL, 0))
	if err != nil {
		return nil, err
	}
	return NewUnsubscribeService(signer, users, cfg.Server.BaseURL, cfg.Unsubscribe.AllowLegacy, logger), nil
}

// URL returns the signed unsubscribe link for userID
func (s *UnsubscribeService) URL(userID string) (string, error) {
	token, err := s.signer.Sign(userID)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("token", token)
	return s.baseURL + "/api/unsubscribe?" + q.Encode(), nil
}

// Unsubscribe validates req and disables future digests for its user.
// It returns the user id that was unsubscribed.
func (s *UnsubscribeService) Unsubscribe(ctx context.Context, req UnsubscribeRequest) (string, error) {
	userID, err := s.resolve(req)
	if err != nil {
		s.logger.Info().Err(err).Str("user_id", req.UserID).Msg("Rejected unsubscribe request")
		return "", err
	}

	if err := s.users.SetUnsubscribed(ctx, userID, true); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: unknown user", ErrInvalidUnsubscribe)
		}
		return "", fmt.Errorf("failed to unsubscribe %s: %w", userID, err)
	}

	s.logger.Info().Str("user_id", userID).Bool("legacy", req.Token == "").Msg("User unsubscribed from digests")
	return userID, nil
}

func (s *UnsubscribeService) resolve(req UnsubscribeRequest) (string, error) {
	if req.Token != "" {
		subject, err := s.signer.Verify(req.Token)
		if err != nil {
			return "", err
		}
		if req.UserID != "" && req.UserID != subject {
			return "", fmt.Errorf("%w: token does not belong to user", ErrInvalidUnsubscribe)
		}
		return subject, nil
	}

	if req.LegacyUserID != "" {
		if !s.allowLegacy {
			return "", fmt.Errorf("%w: legacy links are disabled", ErrInvalidUnsubscribe)
		}
		return req.LegacyUserID, nil
	}

	return "", fmt.Errorf("%w: token or legacy user id required", ErrInvalidUnsubscribe)
}
