package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alimasry/go-block-editor/block"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid access token")
	ErrInactiveUser    = errors.New("user is not active")
)

// Identity is the verified caller of a request.
type Identity struct {
	UserID string
	Name   string
	Roles  []string
	Active bool
}

// Info returns the summary stamped onto broadcast events.
func (id Identity) Info() block.UserInfo {
	return block.UserInfo{ID: id.UserID, Name: id.Name}
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims are the access-token claims. The subject is the user id.
type Claims struct {
	Name   string   `json:"name"`
	Roles  []string `json:"roles,omitempty"`
	Active bool     `json:"active"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 access tokens passed in the
// access_token query parameter or an Authorization: Bearer header.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrUnauthenticated
	}

	id := Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Roles:  claims.Roles,
		Active: claims.Active,
	}
	if !id.Active {
		return id, ErrInactiveUser
	}
	return id, nil
}

// Issue signs an access token for id, valid for ttl.
func (a *JWTAuthenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:   id.Name,
		Roles:  id.Roles,
		Active: id.Active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
