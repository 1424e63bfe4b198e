package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/meetrelay/backend/model"
	"github.com/adwski/meetrelay/backend/storage/memory"
	sw "github.com/adwski/meetrelay/backend/switch"
	"github.com/rs/zerolog"
)

const (
	defaultMaxMeetingIDAttempts = 16
	defaultSweepInterval        = time.Minute
)

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrMissingRoom        = errors.New("no room id")
	ErrMissingDestination = errors.New("neither target nor room given")
	ErrMeetingIDExhausted = errors.New("unable to allocate a free meeting id")
	ErrMeetingID          = errors.New("meeting id generation failed")
)

// relayed maps relayable inbound events to the event name receivers get.
var relayed = map[string]string{
	model.EventSignal:             model.EventSignal,
	model.EventOffer:              model.EventOffer,
	model.EventAnswer:             model.EventAnswer,
	model.EventCandidate:          model.EventCandidate,
	model.EventOfferScreen:        model.EventOfferScreen,
	model.EventAnswerScreen:       model.EventAnswerScreen,
	model.EventCandidateScreen:    model.EventCandidateScreen,
	model.EventGestureAction:      model.EventGestureAction,
	model.EventEngagementUpdate:   model.EventEngagementUpdate,
	model.EventCoachingSuggestion: model.EventCoachingSuggestion,
	model.EventStopScreenShare:    model.EventScreenShareStopped,
}

type (
	RoomStore interface {
		CreateRoom(roomID string) bool
		Join(roomID, connID string) []string
		Leave(roomID, connID string) ([]string, bool)
		RemoveConnectionFromAllRooms(connID string) []memory.Departure
		Members(roomID string) []string
		Len() int
		Sweep(ttl time.Duration) int
	}

	Switch interface {
		Connect() *sw.Endpoint
		Disconnect(connID string) bool
		Send(connID string, frame model.Frame) bool
		Multicast(connIDs []string, exclude string, frame model.Frame) int
		Count() int
	}

	IDGenerator interface {
		New() (string, error)
	}

	Stats struct {
		Rooms       int `json:"rooms"`
		Connections int `json:"connections"`
	}

	// Service routes signaling events between connections. It holds no room
	// state of its own.
	Service struct {
		store  RoomStore
		sw     Switch
		ids    IDGenerator
		logger zerolog.Logger

		pendingRoomTTL time.Duration

		// participant ids announced by clients, informational only
		partMx       *sync.Mutex
		participants map[string]string
	}

	Config struct {
		RoomStore      RoomStore
		Switch         Switch
		IDGenerator    IDGenerator
		Logger         *zerolog.Logger
		PendingRoomTTL time.Duration
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:          cfg.RoomStore,
		sw:             cfg.Switch,
		ids:            cfg.IDGenerator,
		logger:         cfg.Logger.With().Str("component", "router").Logger(),
		pendingRoomTTL: cfg.PendingRoomTTL,
		partMx:         &sync.Mutex{},
		participants:   make(map[string]string),
	}
}

// Connect registers a new transport session.
func (svc *Service) Connect() *sw.Endpoint {
	return svc.sw.Connect()
}

// Disconnect tears down a transport session and tells the remaining members
// of every room it was in. Calling it more than once is a no-op.
func (svc *Service) Disconnect(connID string) {
	if !svc.sw.Disconnect(connID) {
		return
	}
	userID := svc.forgetParticipant(connID)

	for _, dep := range svc.store.RemoveConnectionFromAllRooms(connID) {
		logger := svc.logger.With().
			Str("connID", connID).
			Str("roomID", dep.RoomID).
			Logger()
		if len(dep.Remaining) == 0 {
			logger.Debug().Msg("room is empty and was removed")
			continue
		}
		svc.multicast(dep.Remaining, connID, model.EventPeerLeft, model.PeerEvent{
			SID:    connID,
			UserID: userID,
			Room:   dep.RoomID,
		})
		logger.Debug().Msg("peer left on disconnect")
	}
}

// CreateMeeting mints a fresh meeting id and registers an empty room for it.
func (svc *Service) CreateMeeting() (string, error) {
	for i := 0; i < defaultMaxMeetingIDAttempts; i++ {
		id, err := svc.ids.New()
		if err != nil {
			return "", errors.Join(ErrMeetingID, err)
		}
		if svc.store.CreateRoom(id) {
			svc.logger.Debug().Str("roomID", id).Msg("meeting created")
			return id, nil
		}
		svc.logger.Warn().Str("roomID", id).Msg("meeting id collision, re-rolling")
	}
	return "", ErrMeetingIDExhausted
}

func (svc *Service) Stats() Stats {
	return Stats{
		Rooms:       svc.store.Len(),
		Connections: svc.sw.Count(),
	}
}

// Handle processes one inbound frame from connID. Protocol errors are
// reported back to connID and returned.
func (svc *Service) Handle(connID string, frame model.Frame) error {
	var in model.Inbound
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			return svc.Reject(connID, frame.Event, errors.Join(ErrMalformedFrame, err))
		}
	}

	var err error
	switch frame.Event {
	case model.EventCreateMeeting:
		err = svc.createMeeting(connID)
	case model.EventJoin:
		err = svc.join(connID, model.EventPeerJoined, &in)
	case model.EventJoinRoom:
		err = svc.join(connID, model.EventUserJoined, &in)
	case model.EventLeave, model.EventLeaveRoom:
		err = svc.leave(connID, &in)
	default:
		out, ok := relayed[frame.Event]
		if !ok {
			err = ErrUnknownEvent
			break
		}
		err = svc.relay(connID, out, &in)
	}
	if err != nil {
		return svc.Reject(connID, frame.Event, err)
	}
	return nil
}

func (svc *Service) createMeeting(connID string) error {
	id, err := svc.CreateMeeting()
	if err != nil {
		return err
	}
	svc.send(connID, model.EventMeetingCreated, model.MeetingCreated{Room: id})
	return nil
}

// join adds connID to the room and announces it to the others under notify.
func (svc *Service) join(connID, notify string, in *model.Inbound) error {
	if in.Room == "" {
		return ErrMissingRoom
	}
	if in.UserID != "" {
		svc.rememberParticipant(connID, in.UserID)
	}

	others := svc.store.Join(in.Room, connID)
	svc.send(connID, model.EventJoined, model.Joined{
		Room:    in.Room,
		YourSID: connID,
		Others:  others,
	})
	svc.multicast(others, connID, notify, model.PeerEvent{
		SID:    connID,
		UserID: in.UserID,
		Room:   in.Room,
	})

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", in.Room).
		Int("others", len(others)).
		Msg("joined room")
	return nil
}

func (svc *Service) leave(connID string, in *model.Inbound) error {
	if in.Room == "" {
		return ErrMissingRoom
	}
	remaining, ok := svc.store.Leave(in.Room, connID)
	if !ok {
		svc.logger.Debug().
			Str("connID", connID).
			Str("roomID", in.Room).
			Msg("leave ignored, not a member")
		return nil
	}
	if len(remaining) > 0 {
		svc.multicast(remaining, connID, model.EventUserLeft, model.PeerEvent{
			SID:    connID,
			UserID: svc.participant(connID, in.UserID),
			Room:   in.Room,
		})
	}
	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", in.Room).
		Msg("left room")
	return nil
}

func (svc *Service) relay(connID, event string, in *model.Inbound) error {
	out := model.Relay{
		From:      connID,
		Sender:    connID,
		Type:      in.Type,
		Room:      in.Room,
		Payload:   in.Payload,
		SDP:       in.SDP,
		Candidate: in.Candidate,
	}
	if in.Sender != "" && in.Sender != connID {
		out.ClaimedSender = in.Sender
	}

	logger := svc.logger.With().
		Str("connID", connID).
		Str("event", event).
		Logger()

	if dst := in.Destination(); dst != "" {
		if !svc.send(dst, event, out) {
			logger.Debug().Str("dst", dst).Msg("relay target unreachable")
		}
		return nil
	}
	if in.Room == "" {
		return ErrMissingDestination
	}
	if n := svc.multicast(svc.store.Members(in.Room), connID, event, out); n == 0 {
		logger.Debug().Str("roomID", in.Room).Msg("relay did not reach anyone")
	}
	return nil
}

// RunJanitor periodically drops pending rooms nobody joined.
func (svc *Service) RunJanitor(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		svc.logger.Debug().Msg("janitor stopped")
		wg.Done()
	}()
	if svc.pendingRoomTTL <= 0 {
		return
	}

	interval := defaultSweepInterval
	if svc.pendingRoomTTL < interval {
		interval = svc.pendingRoomTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.store.Sweep(svc.pendingRoomTTL); n > 0 {
				svc.logger.Info().Int("rooms", n).Msg("expired pending rooms removed")
			}
		}
	}
}

// Reject sends an error event to connID and returns err.
func (svc *Service) Reject(connID, event string, err error) error {
	svc.send(connID, model.EventError, model.Error{
		Message: err.Error(),
		Event:   event,
	})
	return err
}

func (svc *Service) send(connID, event string, data any) bool {
	frame, err := model.NewFrame(event, data)
	if err != nil {
		svc.logger.Error().Err(err).Str("event", event).Msg("failed to marshal outgoing frame")
		return false
	}
	return svc.sw.Send(connID, frame)
}

func (svc *Service) multicast(connIDs []string, exclude, event string, data any) int {
	frame, err := model.NewFrame(event, data)
	if err != nil {
		svc.logger.Error().Err(err).Str("event", event).Msg("failed to marshal outgoing frame")
		return 0
	}
	return svc.sw.Multicast(connIDs, exclude, frame)
}

func (svc *Service) rememberParticipant(connID, userID string) {
	svc.partMx.Lock()
	svc.participants[connID] = userID
	svc.partMx.Unlock()
}

func (svc *Service) participant(connID, fallback string) string {
	if fallback != "" {
		return fallback
	}
	svc.partMx.Lock()
	defer svc.partMx.Unlock()
	return svc.participants[connID]
}

func (svc *Service) forgetParticipant(connID string) string {
	svc.partMx.Lock()
	defer svc.partMx.Unlock()

	userID := svc.participants[connID]
	delete(svc.participants, connID)
	return userID
}
