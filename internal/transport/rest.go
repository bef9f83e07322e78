package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/broker/internal/mb/broker"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
)

// descriptorWireFormat mirrors model.EventDescriptor but accepts the
// caller-facing version string "major.minor.patch" instead of the packed
// uint64 form.
type descriptorWireFormat struct {
	Version    string              `json:"version"`
	VersionMin *string             `json:"version_min,omitempty"`
	Schema     *model.EventSchema  `json:"schema,omitempty"`
	Extractors []model.Extractor   `json:"extractors,omitempty"`
}

func (s *Server) handleUpsertDescriptor(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	topicID := mux.Vars(r)["topic_id"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, broker.Wrap(broker.EvenDescriptorError, err, "read body"))
		return
	}
	var wire descriptorWireFormat
	if err := json.Unmarshal(body, &wire); err != nil {
		writeError(w, broker.Wrap(broker.EvenDescriptorError, err, "decode descriptor"))
		return
	}
	version, err := parseVersion(wire.Version)
	if err != nil {
		writeError(w, broker.Wrap(broker.EvenDescriptorError, err, "parse version"))
		return
	}
	desc := model.EventDescriptor{Version: version, Schema: wire.Schema, Extractors: wire.Extractors}
	if wire.VersionMin != nil {
		vmin, err := parseVersion(*wire.VersionMin)
		if err != nil {
			writeError(w, broker.Wrap(broker.EvenDescriptorError, err, "parse version_min"))
			return
		}
		desc.VersionMin = &vmin
	}

	if err := s.engine.UpsertTopicEventDescriptor(r.Context(), id, topicID, desc); err != nil {
		s.recordOutcome(err, "descriptor")
		writeError(w, err)
		return
	}
	s.notify("broker.descriptor.upserted", wire.Version, topicID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetByEventID(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	vars := mux.Vars(r)
	gist, err := s.engine.GetEventByID(r.Context(), id, vars["topic_id"], vars["event_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if gist == nil {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toGistResponse(*gist))
}

func (s *Server) handleGetIDsByIndex(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	vars := mux.Vars(r)
	key := model.TextValue(vars["index_key"])
	ids, err := s.engine.GetEventIDsByIndexedColumn(r.Context(), id, vars["topic_id"], vars["index_name"], key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ids)
}

func (s *Server) handleGetByCorrelation(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	vars := mux.Vars(r)

	timeout := 30 * time.Second
	if q := r.URL.Query().Get("timeout_ms"); q != "" {
		if ms, err := strconv.Atoi(q); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	gist, err := s.engine.GetEventByCorrelationToken(r.Context(), id, vars["topic_id"], vars["correlation_token"], timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	if gist == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, toGistResponse(*gist))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	vars := mux.Vars(r)

	encoded, err := strconv.ParseUint(vars["encoded_unique_time"], 10, 64)
	if err != nil {
		writeError(w, broker.Newf(broker.MalformedIdentifier, "invalid encoded_unique_time: %v", err))
		return
	}
	deliveringInstanceID, err := strconv.ParseUint(vars["instance_id"], 10, 16)
	if err != nil {
		writeError(w, broker.Newf(broker.MalformedIdentifier, "invalid instance_id: %v", err))
		return
	}
	consumerID := r.URL.Query().Get("consumer_id")

	ut := uniquetime.Decode(encoded)
	if err := s.engine.ConfirmEventDelivery(r.Context(), id, vars["topic_id"], consumerID, ut, uint16(deliveringInstanceID)); err != nil {
		s.recordOutcome(err, "confirm")
		writeError(w, err)
		return
	}
	s.metrics.RecordDone(vars["topic_id"], consumerID)
	w.WriteHeader(http.StatusNoContent)
}

// recordOutcome increments the authorization-denial counter when err is an
// Unauthorized/AuthenticationFailure, so operators can see rejected access
// per resource without parsing request logs.
func (s *Server) recordOutcome(err error, resource string) {
	switch broker.KindOf(err) {
	case broker.Unauthorized, broker.AuthenticationFailure:
		s.metrics.RecordDenial(resource)
	}
}

// gistResponse is the JSON projection of model.EventDeliveryGist returned by
// the by-id and by-correlation endpoints.
type gistResponse struct {
	EncodedUniqueTime uint64          `json:"encoded_unique_time"`
	EventDocument     json.RawMessage `json:"event_document"`
	ProtectionRef     string          `json:"protection_ref"`
	CorrelationToken  string          `json:"correlation_token,omitempty"`
}

func toGistResponse(g model.EventDeliveryGist) gistResponse {
	return gistResponse{
		EncodedUniqueTime: g.UniqueTime.Encode(),
		EventDocument:     json.RawMessage(g.Document),
		ProtectionRef:     g.ProtectionRef,
		CorrelationToken:  g.CorrelationToken,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// parseVersion parses "major[.minor[.patch]]" into a model.DescriptorVersion.
// An absent minor/patch defaults to the wildcard 0xFFFF, the same rule
// query-string version caps use (see parseVersionCap).
func parseVersion(s string) (model.DescriptorVersion, error) {
	parts := strings.Split(s, ".")
	major, err := parseUint32(parts[0])
	if err != nil {
		return 0, err
	}
	if len(parts) == 1 {
		return model.FromMajor(major), nil
	}
	minor, err := parseUint32(parts[1])
	if err != nil {
		return 0, err
	}
	if len(parts) == 2 {
		return model.FromMajorAndMinor(major, minor), nil
	}
	patch, err := parseUint32(parts[2])
	if err != nil {
		return 0, err
	}
	return model.NewDescriptorVersion(major, minor, patch), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
