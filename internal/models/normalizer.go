package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// rawReading is the wire shape of a telemetry payload.
type rawReading struct {
	Value     any `json:"value"`
	Timestamp any `json:"timestamp"`
}

// Normalizer turns raw transport messages into Readings for a fixed set of
// recognized channels.
type Normalizer struct {
	prefix   string
	channels map[string]struct{}
	now      func() time.Time
}

// NewNormalizer creates a normalizer accepting the given channels. Topics
// are expected as "<prefix>/<channel>" or "<prefix>.<channel>"; an empty
// prefix accepts bare channel names.
func NewNormalizer(prefix string, channels []string, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		set[strings.ToLower(strings.TrimSpace(ch))] = struct{}{}
	}
	return &Normalizer{
		prefix:   strings.TrimSpace(prefix),
		channels: set,
		now:      now,
	}
}

// Channels returns the recognized channel names.
func (n *Normalizer) Channels() []string {
	out := make([]string, 0, len(n.channels))
	for ch := range n.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelFor resolves a transport topic to its channel kind.
func (n *Normalizer) ChannelFor(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	idx := strings.LastIndexAny(topic, "/.")

	var prefix, kind string
	if idx < 0 {
		kind = topic
	} else {
		prefix, kind = topic[:idx], topic[idx+1:]
	}
	kind = strings.ToLower(kind)

	if n.prefix != "" && idx >= 0 && prefix != n.prefix {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, topic)
	}
	if _, ok := n.channels[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, topic)
	}
	return kind, nil
}

// PartitionKey returns the key readings on topic are sharded by: the
// resolved channel, or the raw topic when it names no known channel.
func (n *Normalizer) PartitionKey(topic string) string {
	if ch, err := n.ChannelFor(topic); err == nil {
		return ch
	}
	return topic
}

// Normalize parses payload received on topic into a Reading. A missing
// timestamp is replaced with the current time.
func (n *Normalizer) Normalize(topic string, payload []byte) (Reading, error) {
	channel, err := n.ChannelFor(topic)
	if err != nil {
		return Reading{}, err
	}

	var raw rawReading
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	value, err := parseValue(raw.Value)
	if err != nil {
		return Reading{}, err
	}

	ts, err := n.parseTime(raw.Timestamp)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Channel:   channel,
		Value:     value,
		Timestamp: ts,
	}, nil
}

func parseValue(v any) (float64, error) {
	switch val := v.(type) {
	case nil:
		return 0, ErrMissingValue
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrNonNumericValue, val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrNonNumericValue, v)
	}
}

func (n *Normalizer) parseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return n.now().UTC(), nil
	case string:
		if strings.TrimSpace(val) == "" {
			return n.now().UTC(), nil
		}
		return ParseTimestamp(val)
	case json.Number:
		ms, err := val.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, val)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, ErrInvalidTimestamp
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
