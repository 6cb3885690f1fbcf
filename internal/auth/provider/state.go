package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStateTTL bounds how long a user has to complete the consent screen.
const DefaultStateTTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid oauth state")

// StateClaims is the payload carried through the provider redirect.
type StateClaims struct {
	UserID   string `json:"uid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies signed, single-use OAuth state tokens.
type StateSigner struct {
	secret []byte
	nonces NonceStore
	ttl    time.Duration
}

func NewStateSigner(secret string, nonces NonceStore) *StateSigner {
	return &StateSigner{secret: []byte(secret), nonces: nonces, ttl: DefaultStateTTL}
}

// Issue returns a state token binding userID to provider with a fresh nonce.
func (s *StateSigner) Issue(ctx context.Context, userID string, p ID) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	now := time.Now()

	claims := StateClaims{
		UserID:   userID,
		Provider: string(p),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	if err := s.nonces.Save(ctx, nonce, s.ttl); err != nil {
		return "", fmt.Errorf("save nonce: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and provider binding, then consumes
// the nonce. It returns the user id that started the flow.
func (s *StateSigner) Verify(ctx context.Context, state string, p ID) (string, error) {
	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Provider != string(p) || claims.UserID == "" || claims.ID == "" {
		return "", ErrInvalidState
	}
	ok, err := s.nonces.Consume(ctx, claims.ID)
	if err != nil {
		return "", fmt.Errorf("consume nonce: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: nonce already used or expired", ErrInvalidState)
	}
	return claims.UserID, nil
}
