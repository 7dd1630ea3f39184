package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTConfig configures token signing and validation.
type JWTConfig struct {
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
	Issuer        string `mapstructure:"issuer" yaml:"issuer"`
	Audience      string `mapstructure:"audience" yaml:"audience"`
	ExpiryMinutes int    `mapstructure:"expiry_minutes" yaml:"expiry_minutes"`
}

// JWTManager signs and validates platform access tokens.
type JWTManager struct {
	signingKey []byte
	issuer     string
	audience   string
	expiry     time.Duration
}

// NewJWTManager creates a manager from config.
func NewJWTManager(cfg JWTConfig) (*JWTManager, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("jwt: secret key is required")
	}
	expiry := time.Duration(cfg.ExpiryMinutes) * time.Minute
	if expiry <= 0 {
		expiry = 60 * time.Minute
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "notifyx"
	}
	return &JWTManager{
		signingKey: []byte(cfg.SecretKey),
		issuer:     issuer,
		audience:   cfg.Audience,
		expiry:     expiry,
	}, nil
}

// Claims are the platform JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Generate signs an access token for the principal.
func (m *JWTManager) Generate(tenantID, userID string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
}

// Validate parses the token and returns the principal it asserts.
func (m *JWTManager) Validate(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithIssuer(m.issuer)}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("token missing tenant")
	}
	return &Principal{
		TenantID:    claims.TenantID,
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: PermissionsForRoles(claims.Roles),
	}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
