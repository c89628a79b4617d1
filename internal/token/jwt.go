package token

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authcore/internal/autherr"
	"authcore/internal/config"
	"authcore/internal/util"
)

const accessTokenType = "access"

// AccessClaims is the payload of a signed access token. Subject carries the
// user id, ID the jti used for blacklisting.
type AccessClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer issues and verifies RS256 access tokens.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	accessTTL  time.Duration
}

func NewSigner(cfg *config.Config) (*Signer, error) {
	jwtCfg := cfg.JWT

	privatePEM, err := os.ReadFile(jwtCfg.PrivateKeyPath)
	if err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("failed to read JWT private key: %w", err)
		}
		// Ephemeral keypair outside production. Tokens do not survive a
		// restart, which is acceptable for development.
		key, genErr := rsa.GenerateKey(rand.Reader, 2048)
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate ephemeral JWT key: %w", genErr)
		}
		util.Warn("JWT key files not found, using ephemeral keypair")
		return &Signer{
			privateKey: key,
			publicKey:  &key.PublicKey,
			issuer:     jwtCfg.Issuer,
			accessTTL:  jwtCfg.AccessTTL,
		}, nil
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT private key: %w", err)
	}

	publicPEM, err := os.ReadFile(jwtCfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     jwtCfg.Issuer,
		accessTTL:  jwtCfg.AccessTTL,
	}, nil
}

// SignAccess issues an access token for the user under the given jti.
func (s *Signer) SignAccess(userID, jti string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.accessTTL)

	claims := &AccessClaims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccess validates signature, issuer, expiry and token type. All
// failures map onto the generic expired-token error.
func (s *Signer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		// Signature, issuer and expiry failures all collapse to one error
		// so callers cannot probe which check rejected the token.
		return nil, autherr.ErrTokenExpired
	}
	if claims.TokenType != accessTokenType {
		return nil, autherr.ErrTokenExpired
	}
	return claims, nil
}
