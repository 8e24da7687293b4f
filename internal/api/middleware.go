package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type contextKey string

const callerKey contextKey = "caller"

// authenticate resolves the bearer token into the caller address.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthenticated", Message: "missing bearer token"})
			return
		}
		caller, err := s.verifier.Verify(tokenString)
		if err != nil {
			s.logger.Debug().Err(err).Msg("token validation failed")
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthenticated", Message: "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFrom returns the authenticated caller. Only valid behind authenticate.
func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(callerKey).(common.Address)
	return caller
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
