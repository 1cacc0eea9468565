// Package events turns bucket notifications and schedules into engine
// events and feeds them to an orchestrator.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"clamgate/internal/engine"
)

// ErrIgnored is returned for notifications that carry nothing to process,
// such as the test event S3 sends when a notification is configured.
var ErrIgnored = errors.New("notification ignored")

const testEventName = "s3:TestEvent"

// Handler processes one event batch.
type Handler interface {
	HandleEvent(ctx context.Context, ev engine.Event) (engine.BatchResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev engine.Event) (engine.BatchResult, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev engine.Event) (engine.BatchResult, error) {
	return f(ctx, ev)
}

type notification struct {
	Event   string   `json:"Event"`
	Records []record `json:"Records"`
}

type record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseNotification decodes an S3 event notification into an engine event.
// Object keys arrive form-encoded and are decoded. Records other than object
// creations are skipped, and a notification left without objects yields
// ErrIgnored. A body with neither Records nor Event, such as a scheduled
// rule's ping, is a bare trigger and decodes to the empty event that only
// refreshes definitions.
func ParseNotification(data []byte) (engine.Event, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return engine.Event{}, fmt.Errorf("decode notification: %w", err)
	}

	if n.Event == testEventName {
		return engine.Event{}, ErrIgnored
	}
	if n.Records == nil && n.Event == "" {
		return engine.Event{}, nil
	}

	var ev engine.Event
	for i, r := range n.Records {
		if r.EventName != "" && !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}
		if r.S3.Bucket.Name == "" || r.S3.Object.Key == "" {
			return engine.Event{}, fmt.Errorf("record %d: missing bucket or key", i)
		}
		ev.Objects = append(ev.Objects, engine.ObjectRef{
			Bucket: r.S3.Bucket.Name,
			Key:    decodeKey(r.S3.Object.Key),
		})
	}

	if len(ev.Objects) == 0 {
		return engine.Event{}, ErrIgnored
	}
	return ev, nil
}

func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
