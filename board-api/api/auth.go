package api

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"kanban/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuth0TestMode    = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. HS256 is accepted only when local or
// test auth mode is configured through the environment.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, keyCacheTTL: parseCacheTTL()}
	a.TestSecret = sharedSecretFromEnv()
	a.TestMode = a.TestSecret != nil

	method := "RS256"
	if a.TestMode {
		method = "HS256"
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{method}))
	return a
}

// sharedSecretFromEnv returns the HS256 secret of local or test auth mode, or
// nil when tokens must be verified against the JWKS.
func sharedSecretFromEnv() []byte {
	switch mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode {
	case "":
	case "hs256":
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		return []byte(secret)
	default:
		panic("unsupported LOCAL_AUTH_MODE value")
	}
	if os.Getenv(envAuth0TestMode) != "1" {
		return nil
	}
	secret := os.Getenv(envTestJWTSecret)
	if secret == "" {
		panic("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
	}
	return []byte(secret)
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

// UserFromAuthHeader verifies the bearer token in h and returns its user.
func (a *Auth) UserFromAuthHeader(h string) (domain.User, error) {
	if h == "" {
		return domain.User{}, errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return domain.User{}, err
	}
	return a.UserFromBearer(token)
}

// UserFromBearer verifies a raw bearer token.
func (a *Auth) UserFromBearer(token []byte) (domain.User, error) {
	if len(token) == 0 {
		return domain.User{}, errBadAuthorization
	}

	parsedToken, err := a.parser.Parse(readOnlyString(token), a.keyFunc)
	if err != nil {
		return domain.User{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return domain.User{}, errors.New("invalid claims")
	}
	if err := a.verifyClaims(claims); err != nil {
		return domain.User{}, err
	}
	return userFromClaims(claims)
}

func (a *Auth) verifyClaims(claims jwt.MapClaims) error {
	now := time.Now().Add(time.Minute).Unix()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return errors.New("token expired")
	case !claims.VerifyNotBefore(now, false):
		return errors.New("token not valid yet")
	case !claims.VerifyIssuedAt(now, false):
		return errors.New("token used before issued")
	case a.Audience != "" && !claims.VerifyAudience(a.Audience, false):
		return errors.New("invalid audience")
	case a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false):
		return errors.New("invalid issuer")
	}
	return nil
}

// userFromClaims reads sub, falling back to the id claim of locally issued
// tokens, plus the optional profile claims.
func userFromClaims(claims jwt.MapClaims) (domain.User, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["id"].(string)
	}
	if sub == "" {
		return domain.User{}, errors.New("missing sub")
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	return domain.User{ID: sub, Name: name, Email: email}, nil
}

func (a *Auth) keyFunc(t *jwt.Token) (any, error) {
	if !a.TestMode {
		return a.keyForToken(t)
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("invalid signing method")
	}
	return a.TestSecret, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
