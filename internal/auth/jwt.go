package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")

	// ErrUnauthenticated is returned for any missing, malformed or
	// rejected credential. Verify wraps the specific cause.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Verifier turns a bearer credential into a subject identifier.
type Verifier interface {
	Verify(token string) (string, error)
}

// Claims defines the claims issued by the credential subsystem. The
// subject travels in the "id" claim; the registered "sub" claim is
// accepted as a fallback.
type Claims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID returns the subject identifier carried by the claims.
func (c *Claims) SubjectID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Authenticator handles JWT generation and validation.
type Authenticator struct {
	secretKey []byte
	issuer    string
	validity  time.Duration
}

// NewAuthenticator creates a new Authenticator. An empty issuer disables
// issuer checks on validation.
func NewAuthenticator(secretKey string, issuer string, validity time.Duration) *Authenticator {
	return &Authenticator{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		validity:  validity,
	}
}

// GenerateToken creates a signed JWT for a subject. Token issuance
// belongs to the credential subsystem; this exists for tooling and tests.
func (a *Authenticator) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.validity)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// ValidateToken parses and validates a JWT string.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secretKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Verify implements Verifier. Every failure wraps ErrUnauthenticated.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	subject := claims.SubjectID()
	if subject == "" {
		return "", errors.Join(ErrUnauthenticated, ErrInvalidToken)
	}
	return subject, nil
}
