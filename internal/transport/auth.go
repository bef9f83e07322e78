package transport

import (
	"net/http"
	"strings"

	"github.com/ocx/broker/internal/mb/model"
)

// identityValue is the ClientIdentity carried on each request's context.
type identityValue = model.ClientIdentity

// withIdentity authenticates the request's bearer token (or, when a SPIFFE
// verifier is wired, the SPIFFE ID in its X-Spiffe-Id header, checked
// against this workload's own SVID) and attaches the resulting
// ClientIdentity to the request context before calling next.
func (s *Server) withIdentity(next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			unauthorized(w, "%v", err)
			return
		}
		r = r.WithContext(contextWithIdentity(r.Context(), id))
		next(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) (identityValue, error) {
	if spiffeID := r.Header.Get("X-Spiffe-Id"); spiffeID != "" && s.spiffe != nil {
		return s.spiffe.FromSpiffeID(spiffeID)
	}

	authz := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		return identityValue{}, errMissingBearer
	}
	return s.bearer.Authenticate(token)
}

var errMissingBearer = missingBearerError{}

type missingBearerError struct{}

func (missingBearerError) Error() string { return "missing or malformed Authorization header" }
