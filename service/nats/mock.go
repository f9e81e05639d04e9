package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*PaymentEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*PaymentEvent, 0),
	}
}

// PublishPayment records the event and returns any configured error.
func (m *MockPublisher) PublishPayment(ctx context.Context, event *PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*PaymentEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetEventsForIntent returns the events published for one intent, in order.
func (m *MockPublisher) GetEventsForIntent(intentID string) []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*PaymentEvent, 0)
	for _, event := range m.publishedEvents {
		if event.IntentID == intentID {
			events = append(events, event)
		}
	}
	return events
}

// Statuses returns the status sequence published for one intent.
func (m *MockPublisher) Statuses(intentID string) []string {
	var out []string
	for _, e := range m.GetEventsForIntent(intentID) {
		out = append(out, e.Status)
	}
	return out
}

// SetPublishError configures the mock to return an error on PublishPayment.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*PaymentEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
