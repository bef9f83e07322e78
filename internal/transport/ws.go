package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ocx/broker/internal/mb/consumer"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is the tagged union of the two client→server WebSocket
// frames: AckDelivery and Publish. The "type" field selects which of the
// optional payloads is populated.
type clientFrame struct {
	Type string `json:"type"`

	// AckDelivery
	EncodedUniqueTime  *uint64 `json:"encoded_unique_time,omitempty"`
	DeliveryInstanceID *uint16 `json:"delivery_instance_id,omitempty"`

	// Publish
	Priority          *uint8  `json:"priority,omitempty"`
	EventDocument     string  `json:"event_document,omitempty"`
	CorrelationToken  *string `json:"correlation_token,omitempty"`
	DescriptorVersion *uint64 `json:"descriptor_version,omitempty"`
}

// nextFrame is the single server→client frame.
type nextFrame struct {
	Type               string `json:"type"`
	EncodedUniqueTime  uint64 `json:"encoded_unique_time"`
	EventDocument      string `json:"event_document"`
	CorrelationToken   string `json:"correlation_token"`
	DeliveryInstanceID uint16 `json:"delivery_instance_id"`
}

// handleSubscribeWS upgrades the connection, subscribes the consumer, and
// then loops prefetch→reserve→emit, confirming deliveries on AckDelivery
// frames and accepting inline Publish frames from the same socket.
func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	vars := mux.Vars(r)
	topicID, consumerID := vars["topic_id"], vars["consumer_id"]

	var fromMicros *int64
	if ms := r.URL.Query().Get("from"); ms != "" {
		parsed, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			http.Error(w, "invalid from param", http.StatusBadRequest)
			return
		}
		micros := parsed * 1000
		fromMicros = &micros
	}

	var versionCap *model.DescriptorVersion
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := parseVersionCap(v)
		if err != nil {
			http.Error(w, "invalid version param", http.StatusBadRequest)
			return
		}
		versionCap = &parsed
	}

	c, err := s.engine.Subscribe(r.Context(), id, topicID, consumerID, fromMicros, versionCap)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readClientFrames(ctx, cancel, conn, id, topicID, consumerID)
	s.dispatchLoop(ctx, conn, c, topicID, consumerID)
}

// dispatchLoop repeatedly prefetches and emits Next frames until ctx is
// cancelled or the connection write fails.
func (s *Server) dispatchLoop(ctx context.Context, conn *websocket.Conn, c *consumer.Consumer, topicID, consumerID string) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.Prefetch(ctx); err != nil {
			slog.Warn("prefetch failed", "error", err)
			continue
		}
		for {
			delivery, ok, err := c.Next(ctx)
			if err != nil {
				slog.Warn("dispatch failed", "error", err)
				break
			}
			if !ok {
				break
			}
			frame := nextFrame{
				Type:               "Next",
				EncodedUniqueTime:  delivery.UniqueTime.Encode(),
				EventDocument:      string(delivery.EventDocument),
				CorrelationToken:   delivery.CorrelationToken,
				DeliveryInstanceID: delivery.DeliveryInstanceID,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			s.metrics.RecordReserved(topicID, consumerID)
		}
	}
}

// readClientFrames decodes AckDelivery and Publish frames off the socket
// until the client disconnects, cancelling ctx so dispatchLoop stops too.
func (s *Server) readClientFrames(ctx context.Context, cancel func(), conn *websocket.Conn, id model.ClientIdentity, topicID, consumerID string) {
	defer cancel()
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "AckDelivery":
			if frame.EncodedUniqueTime == nil || frame.DeliveryInstanceID == nil {
				continue
			}
			ut := uniquetime.Decode(*frame.EncodedUniqueTime)
			if err := s.engine.ConfirmEventDelivery(ctx, id, topicID, consumerID, ut, *frame.DeliveryInstanceID); err != nil {
				slog.Warn("confirm via websocket failed", "error", err)
				continue
			}
			s.metrics.RecordDone(topicID, consumerID)
		case "Publish":
			var priority uint8
			if frame.Priority != nil {
				priority = *frame.Priority
			}
			var token string
			if frame.CorrelationToken != nil {
				token = *frame.CorrelationToken
			}
			var versionHint *model.DescriptorVersion
			if frame.DescriptorVersion != nil {
				v := model.DescriptorVersion(*frame.DescriptorVersion)
				versionHint = &v
			}
			ev, err := s.engine.PublishEvent(ctx, id, topicID, []byte(frame.EventDocument), priority, token, versionHint)
			if err != nil {
				slog.Warn("publish via websocket failed", "error", err)
				continue
			}
			s.metrics.RecordPublish(topicID)
			s.notify("broker.event.published", ev.EventID, topicID, map[string]interface{}{"correlation_token": token})
		}
	}
}

// parseVersionCap parses "major[.minor]" (16-bit components) into a
// DescriptorVersion, defaulting an absent minor to the wildcard 0xFFFF.
func parseVersionCap(s string) (model.DescriptorVersion, error) {
	parts := strings.SplitN(s, ".", 2)
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
	return model.FromMajorAndMinor(major, minor), nil
}
