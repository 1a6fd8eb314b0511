package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Decision events
	EventDecisionCreated      EventType = "decision.created"
	EventDecisionApproved     EventType = "decision.approved"
	EventDecisionAutoApproved EventType = "decision.auto_approved"
	EventDecisionRejected     EventType = "decision.rejected"
	EventDecisionCancelled    EventType = "decision.cancelled"
	EventDecisionRequeued     EventType = "decision.requeued"
	EventDecisionCompleted    EventType = "decision.completed"
	EventDecisionFailed       EventType = "decision.failed"

	// Change events (optimization actions and cost optimizations)
	EventChangeExecuted   EventType = "change.executed"
	EventChangeFailed     EventType = "change.failed"
	EventChangeRolledBack EventType = "change.rolled_back"

	// System events
	EventServiceStarted EventType = "system.started"
	EventServiceStopped EventType = "system.stopped"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor is the approver, or "engine" for automatic transitions.
	Actor string `json:"actor,omitempty"`

	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the ID of the decision or change being tracked
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithActor sets who triggered the event
func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// WithResource sets the resource being acted upon
func (e *Event) WithResource(resource, resourceType string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
