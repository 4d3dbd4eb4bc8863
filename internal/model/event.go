package model

import "time"

// EventType enumerates the notifications delivered to observers.
type EventType string

const (
	EventInfo              EventType = "info"
	EventWarning           EventType = "warning"
	EventError             EventType = "error"
	EventConfigureProgress EventType = "configure_progress"
	EventIOStarted         EventType = "io_started"
	EventIOStopped         EventType = "io_stopped"
	EventJobDone           EventType = "job_done"
	EventJobRetry          EventType = "job_retry"
	EventJobFailed         EventType = "job_failed"

	// The msg_* events carry the Message-ID in Data3. msg_queued also
	// carries the job ID in Data1.
	EventMsgSent   EventType = "msg_sent"
	EventMsgQueued EventType = "msg_queued"
	EventMsgFailed EventType = "msg_failed"

	EventIncomingMsg  EventType = "incoming_msg"
	EventNetworkProbe EventType = "network_probe"
)

// Event is an immutable notification record. It is always passed by value.
type Event struct {
	// Type identifies what happened.
	Type EventType `json:"type"`

	// Data1 and Data2 carry integer payloads whose meaning depends on Type,
	// e.g. job ID and attempt count for job events.
	Data1 int64 `json:"data1"`
	Data2 int64 `json:"data2"`

	// Data3 carries a string payload such as a failure reason, a folder or a
	// Message-ID.
	Data3 string `json:"data3"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a new event with the current time.
func NewEvent(t EventType, data1, data2 int64, data3 string) Event {
	return Event{
		Type:      t,
		Data1:     data1,
		Data2:     data2,
		Data3:     data3,
		Timestamp: time.Now(),
	}
}

// Emitter publishes an event. Implementations must be safe for concurrent use.
type Emitter func(Event)
