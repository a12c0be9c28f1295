package call

import "time"

const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

const (
	StateRinging   = "ringing"
	StateAnswered  = "answered"
	StateRejected  = "rejected"
	StateCancelled = "cancelled"
)

const (
	EventIncomingCall  = "incomingCall"
	EventCallAccepted  = "callAccepted"
	EventCallRejected  = "callRejected"
	EventCallCancelled = "callCancelled"
	EventCallEnded     = "callEnded"
)

const (
	ReasonBusy               = "busy"
	ReasonDeclined           = "declined"
	ReasonUnavailable        = "unavailable"
	ReasonAnsweredElsewhere  = "answered-elsewhere"
	ReasonCancelled          = "cancelled"
	ReasonCallerDisconnected = "caller-disconnected"
)

// Signal is a call handshake. It lives in memory only while ringing.
type Signal struct {
	ID         string    `json:"callId"`
	CallerID   string    `json:"callerId"`
	CalleeID   string    `json:"calleeId"`
	CallerName string    `json:"callerName"`
	CallType   string    `json:"callType"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"startedAt"`
}

type incomingPayload struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	CallType   string `json:"callType"`
}

type resultPayload struct {
	CallID   string `json:"callId,omitempty"`
	CalleeID string `json:"calleeId"`
	Reason   string `json:"reason,omitempty"`
}

type cancelledPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	Reason   string `json:"reason"`
}

type endedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}
