package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/creatorpay/backend/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
)

// Event is one audit trail record. Event ids are ULIDs so the trail sorts
// lexicographically by creation time.
type Event struct {
	EventID        string          `json:"event_id"`
	Timestamp      time.Time       `json:"timestamp"`
	LedgerID       string          `json:"ledger_id"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Actor          string          `json:"actor"`
	RequestBody    json.RawMessage `json:"request_body,omitempty"`
	ResponseStatus int             `json:"response_status"`
}

// Recorder buffers audit events on a channel and drains them to a Redis list
// consumed by the downstream audit warehouse. Requests are never blocked on
// the trail: a full buffer or an unreachable Redis degrades to log output.
// A nil Recorder is valid and records nothing.
type Recorder struct {
	redis  *redis.Client
	queue  string
	events chan Event
	done   chan struct{}
}

func NewRecorder(redisClient *redis.Client) *Recorder {
	cfg := config.LoadLedgerConfig()
	r := &Recorder{
		redis:  redisClient,
		queue:  cfg.AuditQueue,
		events: make(chan Event, cfg.AuditBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one event, stamping its id and timestamp.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	event.EventID = "evt_" + ulid.Make().String()
	event.Timestamp = time.Now().UTC()

	select {
	case r.events <- event:
	default:
		r.logEvent(event)
	}
}

// Close drains the buffer and stops the worker.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.events)
	<-r.done
}

func (r *Recorder) run() {
	for event := range r.events {
		r.publish(event)
	}
	close(r.done)
}

func (r *Recorder) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] Failed to marshal event %s: %v", event.EventID, err)
		return
	}

	if r.redis == nil {
		log.Printf("AUDIT: %s", string(data))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.redis.RPush(ctx, r.queue, data).Err(); err != nil {
		log.Printf("[AUDIT] Failed to queue event %s: %v", event.EventID, err)
		log.Printf("AUDIT: %s", string(data))
	}
}

func (r *Recorder) logEvent(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}

// sensitiveKeys are stripped from recorded request bodies.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"feed_token":    true,
	"password":      true,
	"secret":        true,
	"authorization": true,
}

const maxBodyBytes = 4096

// Sanitize prepares a request body for the trail: sensitive keys are redacted
// at every nesting level and oversized bodies are dropped. Returns nil for
// bodies that are not JSON objects.
func Sanitize(body []byte) json.RawMessage {
	if len(body) == 0 || len(body) > maxBodyBytes {
		return nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}

	redact(parsed)
	clean, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return clean
}

func redact(m map[string]any) {
	for key, value := range m {
		if sensitiveKeys[key] {
			m[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			redact(nested)
		}
	}
}
