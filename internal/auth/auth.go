// Package auth issues and verifies the bearer tokens that carry a caller's
// roles and ledger account.
package auth

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "agripulse"
	secretEnvVariable = "AGRIPULSE_AUTH_SECRET"
	clockSkew         = 5 * time.Second
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	// Ledger entity ids are shard.realm.num.
	accountPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

	keyMu  sync.Mutex
	key    []byte
	keyErr error
	keySet bool
)

// Claims are the token claims. Farmer and buyer tokens must carry the
// caller's ledger Account; admin tokens may omit it.
type Claims struct {
	Roles   []string `json:"roles"`
	Account string   `json:"account,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) check() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject missing")
	}
	for _, r := range c.Roles {
		if !KnownRole(r) {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	if c.Account != "" && !accountPattern.MatchString(c.Account) {
		return fmt.Errorf("malformed ledger account %q", c.Account)
	}
	if c.Account == "" && needsAccount(c.Roles) {
		return errors.New("farmer and buyer tokens need a ledger account")
	}
	return nil
}

func needsAccount(roles []string) bool {
	for _, r := range roles {
		if r == RoleFarmer || r == RoleBuyer {
			return true
		}
	}
	return false
}

// GenerateToken signs an HS256 token for userID.
func GenerateToken(userID, account string, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := time.Now().UTC()
	claims := &Claims{
		Roles:   dedupeRoles(roles),
		Account: strings.TrimSpace(account),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strings.TrimSpace(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if err := claims.check(); err != nil {
		return "", err
	}
	k, err := signingKey()
	if err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies the signature, issuer, timestamps and claims.
// Every validation failure is reported as ErrInvalidToken.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	k, err := signingKey()
	if err != nil {
		return nil, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return k, nil }); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	if err := claims.check(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func dedupeRoles(roles []string) []string {
	var out []string
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" && !contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// signingKey reads AGRIPULSE_AUTH_SECRET once and caches the result.
func signingKey() ([]byte, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if !keySet {
		keySet = true
		if raw := strings.TrimSpace(os.Getenv(secretEnvVariable)); raw != "" {
			key, keyErr = []byte(raw), nil
		} else {
			key, keyErr = nil, errMissingSecret
		}
	}
	return key, keyErr
}

// ResetSecretForTests drops the cached secret so the next call re-reads the
// environment.
func ResetSecretForTests() {
	keyMu.Lock()
	defer keyMu.Unlock()
	key, keyErr, keySet = nil, nil, false
}
