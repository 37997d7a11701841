package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event. Worker-emitted events carry the
// worker kind; API-emitted events carry the customer reference.
type ActorRef struct {
	Kind        string `json:"kind"`
	CustomerRef string `json:"customerRef,omitempty"`
	WorkerID    string `json:"workerId,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
