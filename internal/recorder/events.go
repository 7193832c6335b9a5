package recorder

import "time"

// EventType names a lifecycle notification
type EventType string

const (
	EventCaptureStarted   EventType = "capture.started"
	EventCaptureCompleted EventType = "capture.completed"
	EventCleared          EventType = "cleared"
	EventImported         EventType = "imported"
	EventRecordingStarted EventType = "recording.started"
	EventRecordingStopped EventType = "recording.stopped"
)

// Event is pushed to observers such as the dashboard
type Event struct {
	Type EventType              `json:"type"`
	ID   string                 `json:"id,omitempty"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Publish implements EventSink
func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Publish implements EventSink
func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
