package auth

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yoockh/meetstream/internal/utils"
)

// Identity is what a verified bearer token resolves to.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type Verifier interface {
	Verify(token string) (*Identity, error)
}

type Config struct {
	Secret        string // HS256 shared secret
	PublicKeyPath string // RS256 public key (PEM); wins over Secret when set
	Audience      string
	Issuer        string
}

type claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type jwtVerifier struct {
	method  jwt.SigningMethod
	key     any
	options []jwt.ParserOption
}

func NewVerifier(cfg Config) (Verifier, error) {
	const op = "auth.NewVerifier"

	v := &jwtVerifier{}
	switch {
	case cfg.PublicKeyPath != "":
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to read jwt public key", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "invalid jwt public key", err)
		}
		v.method, v.key = jwt.SigningMethodRS256, key
	case cfg.Secret != "":
		v.method, v.key = jwt.SigningMethodHS256, []byte(cfg.Secret)
	default:
		return nil, utils.E(utils.CodeInternal, op, "JWT_SECRET or JWT_PUBLIC_KEY_PATH must be set", nil)
	}

	v.options = []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		v.options = append(v.options, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		v.options = append(v.options, jwt.WithIssuer(cfg.Issuer))
	}
	return v, nil
}

func (v *jwtVerifier) Verify(token string) (*Identity, error) {
	const op = "Verifier.Verify"

	raw := strings.Join(strings.Fields(token), "")
	if raw == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "missing token", nil)
	}

	c := &claims{}
	tok, err := jwt.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, v.options...)
	if err != nil || tok == nil || !tok.Valid {
		return nil, utils.E(utils.CodeUnauthorized, op, "invalid token", err)
	}

	var missing []string
	for _, f := range [][2]string{
		{"user_id", c.UserID},
		{"tenant_id", c.TenantID},
		{"email", c.Email},
		{"role", c.Role},
	} {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return nil, utils.E(utils.CodeUnauthorized, op, "missing claims: "+strings.Join(missing, ","), nil)
	}

	return &Identity{
		UserID:   c.UserID,
		TenantID: c.TenantID,
		Email:    c.Email,
		Role:     c.Role,
	}, nil
}

// BearerToken returns the token from an Authorization header value, falling
// back to the query value when the header carries none.
func BearerToken(header, query string) string {
	h := strings.TrimSpace(header)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		if t := strings.TrimSpace(h[7:]); t != "" {
			return t
		}
	}
	return strings.TrimSpace(query)
}

// Sign issues an HS256 token for identity. Used by tests and dev tooling.
func Sign(secret string, id Identity, audience, issuer string, expiresAt time.Time) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:   id.UserID,
		TenantID: id.TenantID,
		Email:    id.Email,
		Role:     id.Role,
	}
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}
	if issuer != "" {
		c.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
