package activity

import (
	"time"
)

// SchedulerEvent is the lifecycle emission shape the Scheduler publishes;
// defined here (not in pkg/scheduler) so the Scheduler can depend on
// activity without a cycle.
type SchedulerEvent struct {
	Type        string // job:created, job:started, job:completed, ...
	JobID       string
	Status      string
	Err         error
	Duration    time.Duration
	Attempt     int
	MaxAttempts int
}

// EventSource is implemented by the Scheduler to let the Activity Stream
// subscribe to its lifecycle emissions.
type EventSource interface {
	OnEvent(fn func(SchedulerEvent))
}

var icons = map[string]string{
	"job:created":   "🆕",
	"job:started":   "▶️",
	"job:completed": "✅",
	"job:failed":    "❌",
	"job:cancelled": "🚫",
	"job:paused":    "⏸️",
	"job:resumed":   "▶️",
	"retry:created": "🔄",
}

// ListenToScheduler subscribes to scheduler lifecycle emissions and
// translates each into an activity event.
func (s *Stream) ListenToScheduler(src EventSource) {
	src.OnEvent(func(e SchedulerEvent) {
		s.Add(translate(e))
	})
}

func translate(e SchedulerEvent) Event {
	evt := Event{
		Type:    e.Type,
		JobID:   e.JobID,
		Status:  e.Status,
		Icon:    iconFor(e.Type),
		Message: messageFor(e),
	}
	if e.Duration > 0 {
		ms := e.Duration.Milliseconds()
		evt.DurationMs = &ms
	}
	if e.Attempt > 0 {
		evt.Attempt = &e.Attempt
	}
	if e.MaxAttempts > 0 {
		evt.MaxAttempts = &e.MaxAttempts
	}
	if e.Type == "job:failed" {
		evt.Error = normalizeErr(e.Err)
	}
	return evt
}

func iconFor(eventType string) string {
	if icon, ok := icons[eventType]; ok {
		return icon
	}
	return "⚪"
}

func messageFor(e SchedulerEvent) string {
	switch e.Type {
	case "job:created":
		return "Job " + e.JobID + " created"
	case "job:started":
		return "Job " + e.JobID + " started"
	case "job:completed":
		return "Job " + e.JobID + " completed"
	case "job:failed":
		return "Job " + e.JobID + " failed"
	case "job:cancelled":
		return "Job " + e.JobID + " cancelled"
	case "job:paused":
		return "Job " + e.JobID + " paused"
	case "job:resumed":
		return "Job " + e.JobID + " resumed"
	case "retry:created":
		return "Retry scheduled for job " + e.JobID
	default:
		return "Job " + e.JobID + " event: " + e.Type
	}
}

// normalizeErr turns a nil error into the stable "no details" message and
// any other error into its message string.
func normalizeErr(err error) *EventErr {
	if err == nil {
		return &EventErr{Message: "Job failed with no error details"}
	}
	return &EventErr{Message: err.Error()}
}
