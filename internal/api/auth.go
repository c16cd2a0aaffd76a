package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/collateral-bridge/internal/model"
)

type subjectKey struct{}

// RequireJWT rejects requests without a valid HS256 bearer token signed
// with secret. The token subject is stored on the request context; see
// Subject.
func RequireJWT(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				slog.Warn("rejected token", "path", r.URL.Path, "err", err)
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the verified token subject of a request that passed
// RequireJWT.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok
}

// requireAdmin refuses verified callers other than the ledger admin.
// Requests without a verified subject only reach it when authentication
// is switched off.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := Subject(r.Context())
		if ok && (!common.IsHexAddress(sub) || common.HexToAddress(sub) != s.Collateral.Admin()) {
			slog.Warn("rejected non-admin token", "path", r.URL.Path, "subject", sub)
			writeError(w, "admin token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerOf returns the address a ledger call acts as: the token subject
// when the request carries one, the body's from otherwise. A from naming
// anyone but the token holder is refused.
func callerOf(r *http.Request, from string) (common.Address, error) {
	sub, ok := Subject(r.Context())
	if !ok {
		return parseAddress(from)
	}
	if !common.IsHexAddress(sub) {
		return common.Address{}, fmt.Errorf("token subject %q is not an address: %w", sub, model.ErrUnauthorized)
	}
	caller := common.HexToAddress(sub)
	if from == "" {
		return caller, nil
	}
	claimed, err := parseAddress(from)
	if err != nil {
		return common.Address{}, err
	}
	if claimed != caller {
		return common.Address{}, fmt.Errorf("from %s does not match token subject %s: %w", claimed.Hex(), caller.Hex(), model.ErrUnauthorized)
	}
	return caller, nil
}

// IssueToken signs a token for subject valid for ttl. Ledger calls act as
// subject, so it should be a 0x address.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
