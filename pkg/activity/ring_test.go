package activity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	events []Event
}

func (r *recordingBroadcaster) Broadcast(evt Event) {
	r.events = append(r.events, evt)
}

type panicBroadcaster struct{}

func (panicBroadcaster) Broadcast(Event) {
	panic("subscriber exploded")
}

func TestStream_AddStampsIDAndTrims(t *testing.T) {
	s := NewStream(3)
	s.Add(Event{Type: "job:created", JobID: "a"})
	s.Add(Event{Type: "job:created", JobID: "b"})
	s.Add(Event{Type: "job:created", JobID: "c"})
	s.Add(Event{Type: "job:created", JobID: "d"})

	recent := s.Recent(10)
	require.Len(t, recent, 3)
	require.Equal(t, "d", recent[0].JobID)
	require.Equal(t, "c", recent[1].JobID)
	require.Equal(t, "b", recent[2].JobID)
}

func TestStream_BroadcastFailureDoesNotAbortAdd(t *testing.T) {
	s := NewStream(10)
	s.Subscribe(panicBroadcaster{})
	rec := &recordingBroadcaster{}
	s.Subscribe(rec)

	evt := s.Add(Event{Type: "job:completed", JobID: "x"})
	require.NotZero(t, evt.ID)
	require.Len(t, rec.events, 1)
}

func TestStream_Stats(t *testing.T) {
	s := NewStream(10)
	s.Add(Event{Type: "job:created"})
	s.Add(Event{Type: "job:completed"})
	s.Add(Event{Type: "job:completed"})

	stats := s.Stats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.ByType["job:created"])
	require.Equal(t, 2, stats.ByType["job:completed"])
	require.Equal(t, 3, stats.LastHourCount)
	require.NotNil(t, stats.NewestAt)
	require.NotNil(t, stats.OldestAt)
}

type fakeEventSource struct {
	fn func(SchedulerEvent)
}

func (f *fakeEventSource) OnEvent(fn func(SchedulerEvent)) {
	f.fn = fn
}

func TestListenToScheduler_TranslatesEvents(t *testing.T) {
	s := NewStream(10)
	src := &fakeEventSource{}
	s.ListenToScheduler(src)

	src.fn(SchedulerEvent{Type: "job:failed", JobID: "job-1", Err: errors.New("boom")})

	recent := s.Recent(1)
	require.Len(t, recent, 1)
	require.Equal(t, "job:failed", recent[0].Type)
	require.Equal(t, "boom", recent[0].Error.Message)
}

func TestListenToScheduler_NilErrorNormalized(t *testing.T) {
	s := NewStream(10)
	src := &fakeEventSource{}
	s.ListenToScheduler(src)

	src.fn(SchedulerEvent{Type: "job:failed", JobID: "job-2"})

	recent := s.Recent(1)
	require.Equal(t, "Job failed with no error details", recent[0].Error.Message)
}

func TestListenToScheduler_RetryCreatedCarriesSpecIcon(t *testing.T) {
	s := NewStream(10)
	src := &fakeEventSource{}
	s.ListenToScheduler(src)

	src.fn(SchedulerEvent{Type: "retry:created", JobID: "job-3", Attempt: 1, MaxAttempts: 5})

	recent := s.Recent(1)
	require.Equal(t, "🔄", recent[0].Icon)
}

func TestListenToScheduler_JobFailedCarriesSpecIcon(t *testing.T) {
	s := NewStream(10)
	src := &fakeEventSource{}
	s.ListenToScheduler(src)

	src.fn(SchedulerEvent{Type: "job:failed", JobID: "job-4", Err: errors.New("boom")})

	recent := s.Recent(1)
	require.Equal(t, "❌", recent[0].Icon)
}
