package gateway

import (
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// Claims is the authenticated identity attached to a session.
type Claims struct {
	UserID    string
	Name      string
	Email     string
	Picture   string
	ExpiresAt int64
}

// TokenVerifier checks a handshake bearer token. Any verification
// failure rejects the connection; no handler runs unauthenticated.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// JWKSVerifier validates tokens against a rotating remote key set.
type JWKSVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

func NewJWKSVerifier(jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("auth: jwks refresh error: %v", err)
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch jwks")
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}, nil
}

func (v *JWKSVerifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, errs.ErrUnauthorized.WithDetail("missing token")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, errs.ErrUnauthorized.WithDetail(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrUnauthorized.WithDetail("token not valid")
	}
	if claims.Subject == "" {
		return nil, errs.ErrUnauthorized.WithDetail("token has no subject")
	}

	out := &Claims{
		UserID:  claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Picture: claims.Picture,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return out, nil
}

func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
