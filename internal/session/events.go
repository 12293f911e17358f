package session

import "github.com/petervdpas/meshroom/internal/peerlink"

// Wire event names. These are the complete vocabulary of the room channel;
// every broadcast any participant sends uses one of these.
const (
	EvUserConnected       = "user-connected"
	EvReceiveSignal       = "receive-signal"
	EvReceiveReturnSignal = "receive-return-signal"
	EvReceiveMessage      = "receive-message"
	EvRecordingStarted    = "recording-started"
	EvRecordingStopped    = "recording-stopped"
	EvFilterChanged       = "filter-changed"
	EvRequestEntry        = "request-entry"
	EvEntryDecision       = "entry-decision"
	EvMeetingEnded        = "meeting-ended"
)

// Entry decisions carried by EvEntryDecision.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type userConnectedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Filter   string `json:"filter"`
}

type signalPayload struct {
	UserToSignal string          `json:"userToSignal"`
	CallerID     string          `json:"callerId"`
	Signal       peerlink.Signal `json:"signal"`
	CallerName   string          `json:"callerName"`
	Filter       string          `json:"filter"`
}

type returnSignalPayload struct {
	Signal       peerlink.Signal `json:"signal"`
	CallerID     string          `json:"callerId"`
	UserToSignal string          `json:"userToSignal"`
}

type filterChangedPayload struct {
	UserID string `json:"userId"`
	Filter string `json:"filter"`
}

type requestEntryPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type entryDecisionPayload struct {
	TargetID string `json:"targetId"`
	Decision string `json:"decision"`
}

// Filters is the catalogue of video filter ids participants can broadcast.
// Unknown ids are relayed untouched; rendering decides what they mean.
var Filters = []string{
	"none", "grayscale", "sepia", "blur", "brightness", "contrast", "invert",
}
