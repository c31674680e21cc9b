package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of the device topic tree. Full topics look
// like devices/zenbooster/<address>/<event>.
const DefaultTopicPrefix = "devices/zenbooster/"

// Event is the subtopic a device publishes under.
type Event string

const (
	EventHello         Event = "hello"
	EventSessionBegin  Event = "session_begin"
	EventSessionEnd    Event = "session_end"
	EventSessionCancel Event = "session_cancel"
	EventEegPower      Event = "eeg_power"
	EventBye           Event = "bye"
)

// KnownEvent reports whether ev is in the closed event set. Anything else
// is ignored by the pipeline, not treated as an error.
func KnownEvent(ev Event) bool {
	switch ev {
	case EventHello, EventSessionBegin, EventSessionEnd, EventSessionCancel, EventEegPower, EventBye:
		return true
	}
	return false
}

var errTopicShape = errors.New("topic is not <prefix><address>/<event>")

// ParseTopic splits a topic into the normalized hardware address and the
// event subtopic.
func ParseTopic(prefix, topic string) (string, Event, error) {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if !strings.HasPrefix(topic, prefix) {
		return "", "", errTopicShape
	}
	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errTopicShape
	}
	mac, err := NormalizeMAC(parts[0])
	if err != nil {
		return "", "", err
	}
	return mac, Event(parts[1]), nil
}

// NormalizeMAC strips ':', '-' and space separators and upper-cases the
// address. The result must be exactly 12 hex characters.
func NormalizeMAC(raw string) (string, error) {
	mac := strings.ToUpper(strings.NewReplacer(":", "", "-", "", " ", "").Replace(raw))
	if len(mac) != 12 {
		return "", fmt.Errorf("address %q is not 12 hex chars", raw)
	}
	for _, c := range mac {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("address %q contains non-hex %q", raw, c)
		}
	}
	return mac, nil
}
