package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the fault injection engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// InstanceID is the associated fault instance ID, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// TemplateID is the associated fault template ID, if applicable.
	TemplateID string `json:"template_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeFaultSubmitted     = "fault.submitted"
	EventTypeFaultActivated     = "fault.activated"
	EventTypeFaultRejected      = "fault.rejected"
	EventTypeFaultReverted      = "fault.reverted"
	EventTypeFaultFailedPartial = "fault.failed_partial"
	EventTypeDriftDetected      = "drift.detected"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeTemplatesReloaded  = "templates.reloaded"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishFaultSubmitted publishes a fault submitted event.
func (ep *EventPublisher) PublishFaultSubmitted(instanceID, templateID string) error {
	return ep.Publish(Event{
		Type:       EventTypeFaultSubmitted,
		Source:     "engine",
		InstanceID: instanceID,
		TemplateID: templateID,
		Message:    fmt.Sprintf("Fault %s submitted from template %s", instanceID, templateID),
		Level:      EventLevelInfo,
	})
}

// PublishFaultActivated publishes a fault activated event.
func (ep *EventPublisher) PublishFaultActivated(instanceID, templateID, handle string) error {
	return ep.Publish(Event{
		Type:       EventTypeFaultActivated,
		Source:     "engine",
		InstanceID: instanceID,
		TemplateID: templateID,
		Message:    fmt.Sprintf("Fault %s is active", instanceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"handle": handle,
		},
	})
}

// PublishFaultRejected publishes a fault rejected event.
func (ep *EventPublisher) PublishFaultRejected(instanceID, templateID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeFaultRejected,
		Source:     "engine",
		InstanceID: instanceID,
		TemplateID: templateID,
		Message:    fmt.Sprintf("Fault %s rejected: %s", instanceID, reason),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishFaultReverted publishes a fault reverted event.
func (ep *EventPublisher) PublishFaultReverted(instanceID string, alreadyGone bool) error {
	return ep.Publish(Event{
		Type:       EventTypeFaultReverted,
		Source:     "engine",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Fault %s reverted", instanceID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"already_gone": alreadyGone,
		},
	})
}

// PublishFaultFailedPartial publishes a partial failure event.
func (ep *EventPublisher) PublishFaultFailedPartial(instanceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeFaultFailedPartial,
		Source:     "engine",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Fault %s left in partial state: %s", instanceID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishDriftDetected publishes a drift detected event.
func (ep *EventPublisher) PublishDriftDetected(instanceID, detail string) error {
	return ep.Publish(Event{
		Type:       EventTypeDriftDetected,
		Source:     "reconciler",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Drift detected on fault %s: %s", instanceID, detail),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"detail": detail,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(templateID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "policy_engine",
		TemplateID: templateID,
		Message:    fmt.Sprintf("Policy violation for template %s: %s - %s", templateID, policyName, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishTemplatesReloaded publishes a template reload event.
func (ep *EventPublisher) PublishTemplatesReloaded(count int) error {
	return ep.Publish(Event{
		Type:    EventTypeTemplatesReloaded,
		Source:  "registry",
		Message: fmt.Sprintf("Template registry reloaded with %d templates", count),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"count": count,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByInstanceID creates a filter that only allows events for a specific instance.
func FilterByInstanceID(instanceID string) EventFilter {
	return func(event Event) bool {
		return event.InstanceID == instanceID
	}
}
