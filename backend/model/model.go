package model

import "encoding/json"

// Inbound events.
const (
	EventCreateMeeting = "create-meeting"
	EventJoin          = "join"
	EventJoinRoom      = "join-room"
	EventLeave         = "leave"
	EventLeaveRoom     = "leave-room"
	EventSignal        = "signal"

	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventCandidate       = "candidate"
	EventOfferScreen     = "offer-screen"
	EventAnswerScreen    = "answer-screen"
	EventCandidateScreen = "candidate-screen"

	EventGestureAction      = "gesture-action"
	EventEngagementUpdate   = "engagement-update"
	EventCoachingSuggestion = "coaching-suggestion"
	EventStopScreenShare    = "stop-screen-share"
)

// Outbound events that are produced by the server itself.
const (
	EventMeetingCreated     = "meeting-created"
	EventJoined             = "joined"
	EventPeerJoined         = "peer-joined"
	EventUserJoined         = "user-joined"
	EventPeerLeft           = "peer-left"
	EventUserLeft           = "user-left"
	EventScreenShareStopped = "screen-share-stopped"
	EventError              = "error"
)

// Frame is a single websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the union of fields clients may send with any event.
// Payload-like fields are kept raw so they are relayed byte for byte.
type Inbound struct {
	Room      string          `json:"room,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Type      string          `json:"type,omitempty"`
	To        string          `json:"to,omitempty"`
	Target    string          `json:"target,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Destination returns the explicit unicast target, if any.
// "to" is used by the generic signal event, "target" by offer/answer/candidate.
func (in *Inbound) Destination() string {
	if in.To != "" {
		return in.To
	}
	return in.Target
}

type MeetingCreated struct {
	Room string `json:"room"`
}

type Joined struct {
	Room    string   `json:"room"`
	YourSID string   `json:"yourSid"`
	Others  []string `json:"others"`
}

type PeerEvent struct {
	SID    string `json:"sid"`
	UserID string `json:"userId,omitempty"`
	Room   string `json:"room,omitempty"`
}

// Relay is what receivers of a relayed message get.
// From and Sender are always the server-known connection id of the originator,
// ClaimedSender is whatever the client put into "sender" if it differs.
type Relay struct {
	From          string          `json:"from"`
	Sender        string          `json:"sender"`
	ClaimedSender string          `json:"claimedSender,omitempty"`
	Type          string          `json:"type,omitempty"`
	Room          string          `json:"room,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SDP           json.RawMessage `json:"sdp,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// NewFrame marshals data into a frame for the given event.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: b}, nil
}
