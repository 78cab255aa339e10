package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statecore/internal/value"
)

// Message is one decoded frame:
//
//	{"type": "scores", "payload": {"data": ..., "cacheKey": "..."}, "timestamp": 1735689600000}
//
// timestamp is optional, in milliseconds since the Unix epoch.
type Message struct {
	Type      string
	Data      value.Value
	CacheKey  string
	Timestamp time.Time
}

var errMissingType = errors.New("message has no type")

// DecodeMessage parses a frame. A frame without payload carries null data.
func DecodeMessage(raw []byte) (Message, error) {
	obj, err := value.ParseObject(raw)
	if err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	typ, _ := value.AsString(obj["type"])
	if typ == "" {
		return Message{}, errMissingType
	}
	msg := Message{Type: typ, Data: value.Null{}}
	switch payload := obj["payload"].(type) {
	case nil, value.Null:
	case value.Object:
		if d, ok := payload["data"]; ok {
			msg.Data = d
		}
		msg.CacheKey, _ = value.AsString(payload["cacheKey"])
	default:
		return Message{}, fmt.Errorf("decode message: payload must be an object, got %s", value.KindOf(payload))
	}
	if ms, ok := value.AsFloat(obj["timestamp"]); ok {
		msg.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}
	return msg, nil
}
