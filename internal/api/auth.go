package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voxtalk/internal/observe"
)

var errMissingBearer = errors.New("missing bearer token")

// authenticator verifies HS256 bearer tokens.
type authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func newAuthenticator(secret []byte, issuer string) *authenticator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &authenticator{secret: secret, parser: jwt.NewParser(opts...)}
}

// verify checks the Authorization header and returns the token's claims.
func (a *authenticator) verify(header string) (*jwt.RegisteredClaims, error) {
	raw, err := parseBearer(header)
	if err != nil {
		return nil, err
	}
	claims := &jwt.RegisteredClaims{}
	_, err = a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.verify(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="voxtalk"`)
			writeError(w, r, &apiError{status: http.StatusUnauthorized, kind: kindUnauthorized, message: err.Error()})
			return
		}
		observe.Logger(r.Context()).Debug("api: authenticated", "subject", claims.Subject)
		next.ServeHTTP(w, r)
	})
}

// parseBearer extracts the token from an "Authorization: Bearer <token>"
// header value.
func parseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errMissingBearer
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
