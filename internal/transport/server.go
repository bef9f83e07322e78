// Package transport exposes the engine's operations over a REST and
// WebSocket surface, translating wire identifiers into broker calls and
// mberr.Kind values into HTTP status codes. Authentication, request
// parsing, and metrics exposition are all transport concerns the engine
// itself never sees.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/broker/internal/eventbus"
	"github.com/ocx/broker/internal/identity"
	"github.com/ocx/broker/internal/mb/broker"
	"github.com/ocx/broker/internal/metrics"
)

// Server wires the engine, metrics registry, and identity verifiers into a
// mux.Router: CORS middleware, one HandleFunc per endpoint, and a plain
// http.ListenAndServe entry point.
type Server struct {
	engine   *broker.Engine
	metrics  *metrics.Metrics
	bearer   *identity.BearerAuthenticator
	spiffe   *identity.SPIFFEVerifier
	notifier eventbus.EventEmitter
}

// NewServer wires a Server. spiffeVerifier may be nil when internal-identity
// peer calls are not accepted on this listener. notifier may be nil, in
// which case external CloudEvent notifications are skipped entirely.
func NewServer(engine *broker.Engine, m *metrics.Metrics, bearer *identity.BearerAuthenticator, spiffeVerifier *identity.SPIFFEVerifier, notifier eventbus.EventEmitter) *Server {
	return &Server{engine: engine, metrics: m, bearer: bearer, spiffe: spiffeVerifier, notifier: notifier}
}

// notify emits an external CloudEvent if this server has a notifier wired;
// a nil notifier makes this a no-op so callers don't need to check.
func (s *Server) notify(eventType, subject, topicID string, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["topic_id"] = topicID
	s.notifier.Emit(eventType, "broker/transport", subject, data)
}

// Router builds the mux.Router for this server's endpoint set.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/topics/{topic_id}/description", s.withIdentity(s.handleUpsertDescriptor)).Methods(http.MethodPut)
	r.HandleFunc("/topics/{topic_id}/events/by_event_id/{event_id}", s.withIdentity(s.handleGetByEventID)).Methods(http.MethodGet)
	r.HandleFunc("/topics/{topic_id}/events/ids_by_index/{index_name}/{index_key}", s.withIdentity(s.handleGetIDsByIndex)).Methods(http.MethodGet)
	r.HandleFunc("/topics/{topic_id}/correlation/{correlation_token}", s.withIdentity(s.handleGetByCorrelation)).Methods(http.MethodGet)
	r.HandleFunc("/topics/{topic_id}/confirm/{encoded_unique_time}/{instance_id}", s.withIdentity(s.handleConfirm)).Methods(http.MethodPut)
	r.HandleFunc("/topics/{topic_id}/consumers/{consumer_id}/ws", s.withIdentity(s.handleSubscribeWS)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start listens and serves on addr, blocking until the listener fails.
func (s *Server) Start(addr string) error {
	slog.Info("transport listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

// writeError maps an engine error to its HTTP status code, logging the
// underlying cause for 5xx responses.
func writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	if status >= 500 {
		slog.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func httpStatusFor(err error) int {
	switch broker.KindOf(err) {
	case broker.MalformedIdentifier, broker.EvenDescriptorError:
		return http.StatusBadRequest
	case broker.AuthenticationFailure:
		return http.StatusUnauthorized
	case broker.Unauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey int

const identityCtxKey ctxKey = 0

func contextWithIdentity(ctx context.Context, id identityValue) context.Context {
	return context.WithValue(ctx, identityCtxKey, id)
}

func identityFromContext(ctx context.Context) (identityValue, bool) {
	id, ok := ctx.Value(identityCtxKey).(identityValue)
	return id, ok
}

func unauthorized(w http.ResponseWriter, format string, args ...any) {
	http.Error(w, fmt.Sprintf(format, args...), http.StatusUnauthorized)
}
