// Package correlation implements the correlation hotlist: a short-lived
// registry of pending reply awaiters keyed by (topic_id, correlation_token).
// Each awaiter is a bare signal channel closed on notification; a single
// mutex guards a map of channel slices keyed by (topic_id, token).
package correlation

import (
	"context"
	"sync"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/store"
)

// DefaultHotlistDurationMicros bounds how long track_new_events_in_topic
// keeps a registration live.
const DefaultHotlistDurationMicros = 30_000_000 // 30s

// Hotlist registers awaiters for reply events and resolves them either from
// storage directly or via a just-in-time notification.
type Hotlist struct {
	events store.EventFacade
	track  store.EventTrackingFacade

	mu       sync.Mutex
	awaiters map[string][]chan struct{}
}

// New returns an empty Hotlist.
func New(events store.EventFacade, track store.EventTrackingFacade) *Hotlist {
	return &Hotlist{events: events, track: track, awaiters: make(map[string][]chan struct{})}
}

func key(topicID, token string) string { return topicID + "\x00" + token }

// NotifyHotlistEntry implements store.HotlistListener: it signals every
// awaiter registered for (topicID, correlationToken) and reports whether any
// were found.
func (h *Hotlist) NotifyHotlistEntry(topicID, correlationToken string) bool {
	k := key(topicID, correlationToken)
	h.mu.Lock()
	chans := h.awaiters[k]
	delete(h.awaiters, k)
	h.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	return len(chans) > 0
}

func (h *Hotlist) register(topicID, token string) chan struct{} {
	ch := make(chan struct{})
	k := key(topicID, token)
	h.mu.Lock()
	h.awaiters[k] = append(h.awaiters[k], ch)
	h.mu.Unlock()
	return ch
}

func (h *Hotlist) unregister(topicID, token string, target chan struct{}) {
	k := key(topicID, token)
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.awaiters[k]
	for i, ch := range chans {
		if ch == target {
			h.awaiters[k] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.awaiters[k]) == 0 {
		delete(h.awaiters, k)
	}
}

// GetByCorrelationToken first checks storage directly, then registers an
// awaiter and arms storage-side tracking, and finally re-queries storage if
// the awaiter fires before ctx's deadline. A nil result with no error means
// the wait timed out (maps to 204 at the transport layer).
func (h *Hotlist) GetByCorrelationToken(ctx context.Context, topicID, token string, hotlistDurationMicros int64) (*model.EventDeliveryGist, error) {
	if gist, err := h.events.EventByCorrelationToken(ctx, topicID, token); err != nil {
		return nil, mberr.Wrap(mberr.Unspecified, err, "event_by_correlation_token")
	} else if gist != nil {
		return gist, nil
	}

	if hotlistDurationMicros <= 0 {
		hotlistDurationMicros = DefaultHotlistDurationMicros
	}

	ch := h.register(topicID, token)
	defer h.unregister(topicID, token, ch)

	fired, err := h.track.TrackNewEventsInTopic(ctx, topicID, h, hotlistDurationMicros)
	if err != nil {
		return nil, mberr.Wrap(mberr.Unspecified, err, "track_new_events_in_topic")
	}
	if !fired {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, nil
		}
	}

	gist, err := h.events.EventByCorrelationToken(ctx, topicID, token)
	if err != nil {
		return nil, mberr.Wrap(mberr.Unspecified, err, "event_by_correlation_token (post-notify)")
	}
	return gist, nil
}
