// Package realtime multiplexes streaming events to connected clients over
// websockets. Events are a tagged union: every variant has a descriptive wire
// name and a short code, and both decode to the same variant.
package realtime

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates every event the orchestrator can emit.
type EventType int

const (
	EventReasoningToken EventType = iota
	EventReasoningComplete
	EventAnswerToken
	EventTurnComplete
	EventChartSpec
	EventToolCallStart
	EventQueryProgress
	EventFollowupSuggestions
	EventTurnError
	EventUsageUpdate
	EventRateLimitWarning
	EventRateLimitExceeded
)

// eventNames maps each variant to its (descriptive, short) wire encodings.
var eventNames = map[EventType][2]string{
	EventReasoningToken:      {"reasoning-token", "rt"},
	EventReasoningComplete:   {"reasoning-complete", "rc"},
	EventAnswerToken:         {"answer-token", "at"},
	EventTurnComplete:        {"turn-complete", "tc"},
	EventChartSpec:           {"chart-spec", "cs"},
	EventToolCallStart:       {"tool-call-start", "ts"},
	EventQueryProgress:       {"query-progress", "qp"},
	EventFollowupSuggestions: {"followup-suggestions", "fs"},
	EventTurnError:           {"turn-error", "te"},
	EventUsageUpdate:         {"usage-update", "uu"},
	EventRateLimitWarning:    {"rate-limit-warning", "rw"},
	EventRateLimitExceeded:   {"rate-limit-exceeded", "rx"},
}

// typeByName is the decode dispatch table, covering both encodings.
var typeByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames)*2)
	for t, names := range eventNames {
		m[names[0]] = t
		m[names[1]] = t
	}
	return m
}()

// String returns the descriptive wire name.
func (t EventType) String() string {
	if names, ok := eventNames[t]; ok {
		return names[0]
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ShortCode returns the compact wire name.
func (t EventType) ShortCode() string {
	if names, ok := eventNames[t]; ok {
		return names[1]
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseEventType resolves either wire encoding to its variant.
func ParseEventType(s string) (EventType, bool) {
	t, ok := typeByName[s]
	return t, ok
}

// Event is one tagged record on the wire. ConversationID is empty for global
// events, which every client applies regardless of its active conversation.
type Event struct {
	Type           EventType
	ConversationID string
	Payload        any
}

type wireEvent struct {
	Type    string          `json:"type"`
	CID     string          `json:"cid,omitempty"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes with the descriptive type name.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	return json.Marshal(wireEvent{
		Type:    e.Type.String(),
		CID:     e.ConversationID,
		Payload: payload,
	})
}

// UnmarshalJSON accepts either the descriptive or the short type encoding.
// The payload is kept raw; consumers decode it per variant.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t, ok := ParseEventType(w.Type)
	if !ok {
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	e.Type = t
	e.ConversationID = w.CID
	if len(w.Payload) > 0 {
		e.Payload = json.RawMessage(w.Payload)
	} else {
		e.Payload = nil
	}
	return nil
}

// ShouldDeliver reports whether an event applies to a client whose active
// conversation is activeCID. Global events always apply; events for another
// conversation are dropped silently.
func ShouldDeliver(activeCID string, ev *Event) bool {
	if ev.ConversationID == "" {
		return true
	}
	return ev.ConversationID == activeCID
}
