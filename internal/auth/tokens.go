// Package auth verifies logins against the credential store and issues the
// bearer credentials used by the API: short-lived HS256 access tokens and
// opaque refresh tokens that are bound to a user and rotated on every use.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	AccessTokenTTL    = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	MinKeyLength      = 16

	refreshTokenBytes = 16
)

// dummyHash is compared against when the login is unknown, so both failure
// paths cost one bcrypt verification.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("нет-такого-пользователя"), bcrypt.DefaultCost)

type CredentialStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	// GetUserByLogin matches login case-insensitively.
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// ConsumeRefreshToken deletes and returns the record in one step.
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
}

type Options struct {
	Key        []byte
	Issuer     string
	Audience   string
	RefreshTTL time.Duration
	Now        func() time.Time
}

type Claims struct {
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

type TokenService struct {
	users      CredentialStore
	tokens     RefreshTokenStore
	key        []byte
	issuer     string
	audience   string
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

func NewTokenService(users CredentialStore, tokens RefreshTokenStore, opts Options) (*TokenService, error) {
	if users == nil || tokens == nil {
		return nil, fmt.Errorf("%w: хранилище учетных данных не задано", domainerrors.ErrConfiguration)
	}
	if len(opts.Key) < MinKeyLength {
		return nil, fmt.Errorf("%w: ключ подписи JWT должен быть не короче %d байт", domainerrors.ErrConfiguration, MinKeyLength)
	}
	if opts.Issuer == "" || opts.Audience == "" {
		return nil, fmt.Errorf("%w: не заданы издатель или получатель JWT", domainerrors.ErrConfiguration)
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	key := make([]byte, len(opts.Key))
	copy(key, opts.Key)

	s := &TokenService{
		users:      users,
		tokens:     tokens,
		key:        key,
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		refreshTTL: opts.RefreshTTL,
		now:        opts.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(opts.Now),
		// The last signature character carries padding bits that a lenient
		// decoder ignores.
		jwt.WithStrictDecoding(),
	)
	return s, nil
}

func (s *TokenService) Authenticate(ctx context.Context, login, password string) (*models.TokenPair, error) {
	user, err := s.users.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, domainerrors.ErrUserNotFound) || errors.Is(err, domainerrors.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, domainerrors.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domainerrors.ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

// Refresh trades a refresh token for a new pair. The presented token is
// spent whether or not the exchange succeeds.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	record, err := s.consume(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrUserNotFound) || errors.Is(err, domainerrors.ErrNotFound) {
			return nil, domainerrors.ErrTokenInvalid
		}
		return nil, err
	}
	return s.issue(ctx, user)
}

// Revoke spends a refresh token without issuing a new one.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	_, err := s.consume(ctx, refreshToken)
	return err
}

func (s *TokenService) consume(ctx context.Context, refreshToken string) (*models.RefreshToken, error) {
	if refreshToken == "" {
		return nil, domainerrors.ErrTokenInvalid
	}
	record, err := s.tokens.ConsumeRefreshToken(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, domainerrors.ErrNotFound) {
			return nil, domainerrors.ErrTokenInvalid
		}
		return nil, err
	}
	if !s.now().Before(record.ExpiresAt) {
		return nil, domainerrors.ErrTokenExpired
	}
	return record, nil
}

// Verify checks signature, issuer, audience and expiry of an access token.
func (s *TokenService) Verify(accessToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, domainerrors.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, domainerrors.ErrIssuerMismatch
		default:
			return nil, fmt.Errorf("%w: %v", domainerrors.ErrTokenInvalid, err)
		}
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: нет subject", domainerrors.ErrTokenInvalid)
	}
	return claims, nil
}

func (s *TokenService) issue(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	now := s.now()
	expiresAt := now.Add(AccessTokenTTL)
	claims := Claims{
		Name:       user.Login,
		GivenName:  user.FirstName,
		FamilyName: user.LastName,
		Role:       string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("подпись токена: %w", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	record := &models.RefreshToken{
		TokenHash: hashRefreshToken(refresh),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.refreshTTL).UTC().Truncate(time.Microsecond),
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}
	if err := s.tokens.SaveRefreshToken(ctx, record); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.UTC(),
	}, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация refresh-токена: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
