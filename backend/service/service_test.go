package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/adwski/meetrelay/backend/model"
	"github.com/adwski/meetrelay/backend/storage/memory"
	sw "github.com/adwski/meetrelay/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type seqIDs struct {
	ids []string
	err error
}

func (s *seqIDs) New() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	id := s.ids[0]
	if len(s.ids) > 1 {
		s.ids = s.ids[1:]
	}
	return id, nil
}

type fixture struct {
	svc   *Service
	store *memory.MemStore
	eps   map[string]*sw.Endpoint
}

func newFixture(t *testing.T, meetingIDs ...string) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	n := 0
	store := memory.NewMemStore()
	if len(meetingIDs) == 0 {
		meetingIDs = []string{"AB12CD"}
	}
	svc := NewService(Config{
		RoomStore: store,
		Switch: sw.NewSwitch(sw.Config{
			Logger: &logger,
			NewID: func() string {
				n++
				return fmt.Sprintf("c%d", n)
			},
		}),
		IDGenerator: &seqIDs{ids: meetingIDs},
		Logger:      &logger,
	})
	return &fixture{svc: svc, store: store, eps: make(map[string]*sw.Endpoint)}
}

func (f *fixture) connect() string {
	ep := f.svc.Connect()
	f.eps[ep.ID()] = ep
	return ep.ID()
}

func (f *fixture) handle(t *testing.T, connID, event string, data any) error {
	t.Helper()
	frame, err := model.NewFrame(event, data)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f.svc.Handle(connID, frame)
}

// drain returns every frame currently queued for connID.
func (f *fixture) drain(connID string) []model.Frame {
	var out []model.Frame
	for {
		select {
		case fr := <-f.eps[connID].TX():
			out = append(out, fr)
		default:
			return out
		}
	}
}

func (f *fixture) expectOne(t *testing.T, connID, event string, dst any) {
	t.Helper()
	frames := f.drain(connID)
	if len(frames) != 1 {
		t.Fatalf("%s: want exactly one frame, got %s", connID, spew.Sdump(frames))
	}
	if frames[0].Event != event {
		t.Fatalf("%s: want %q, got %q", connID, event, frames[0].Event)
	}
	if dst != nil {
		if err := json.Unmarshal(frames[0].Data, dst); err != nil {
			t.Fatalf("unmarshal %s: %v", frames[0].Data, err)
		}
	}
}

func (f *fixture) expectNone(t *testing.T, connID string) {
	t.Helper()
	if frames := f.drain(connID); len(frames) != 0 {
		t.Fatalf("%s: want no frames, got %s", connID, spew.Sdump(frames))
	}
}

func TestService_MeetingScenario(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()

	var created model.MeetingCreated
	if err := f.handle(t, c1, model.EventCreateMeeting, nil); err != nil {
		t.Fatalf("create-meeting: %v", err)
	}
	f.expectOne(t, c1, model.EventMeetingCreated, &created)
	if created.Room != "AB12CD" {
		t.Fatalf("unexpected room %q", created.Room)
	}

	var joined model.Joined
	if err := f.handle(t, c2, model.EventJoin, model.Inbound{Room: "AB12CD"}); err != nil {
		t.Fatalf("join c2: %v", err)
	}
	f.expectOne(t, c2, model.EventJoined, &joined)
	if len(joined.Others) != 0 || joined.YourSID != c2 {
		t.Fatalf("c2 joined: %s", spew.Sdump(joined))
	}
	f.expectNone(t, c1)

	if err := f.handle(t, c1, model.EventJoin, model.Inbound{Room: "AB12CD"}); err != nil {
		t.Fatalf("join c1: %v", err)
	}
	f.expectOne(t, c1, model.EventJoined, &joined)
	if !reflect.DeepEqual(joined.Others, []string{c2}) {
		t.Fatalf("c1 others: %v", joined.Others)
	}
	var peer model.PeerEvent
	f.expectOne(t, c2, model.EventPeerJoined, &peer)
	if peer.SID != c1 {
		t.Fatalf("peer-joined names %q", peer.SID)
	}

	offer := model.Inbound{Room: "AB12CD", SDP: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
	if err := f.handle(t, c1, model.EventOffer, offer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	var relay model.Relay
	f.expectOne(t, c2, model.EventOffer, &relay)
	if relay.Sender != c1 || relay.From != c1 {
		t.Fatalf("offer tagged with %q/%q", relay.Sender, relay.From)
	}
	if string(relay.SDP) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("sdp altered: %s", relay.SDP)
	}
	f.expectNone(t, c1)

	f.svc.Disconnect(c2)
	f.expectOne(t, c1, model.EventPeerLeft, &peer)
	if peer.SID != c2 {
		t.Fatalf("peer-left names %q", peer.SID)
	}
	if got := f.store.Members("AB12CD"); !reflect.DeepEqual(got, []string{c1}) {
		t.Fatalf("members after c2 left: %v", got)
	}

	f.svc.Disconnect(c1)
	if f.store.Exists("AB12CD") {
		t.Fatalf("room should be removed after last member disconnected")
	}
}

func TestService_JoinWithoutRoom(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect()

	err := f.handle(t, c1, model.EventJoin, model.Inbound{})
	if !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("want ErrMissingRoom, got %v", err)
	}
	var e model.Error
	f.expectOne(t, c1, model.EventError, &e)
	if e.Message != "no room id" || e.Event != model.EventJoin {
		t.Fatalf("unexpected error frame %s", spew.Sdump(e))
	}
	if f.store.Len() != 0 {
		t.Fatalf("protocol error changed room state")
	}
}

func TestService_RelayWithoutDestination(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()
	_ = f.handle(t, c2, model.EventJoin, model.Inbound{Room: "R"})
	f.drain(c2)

	err := f.handle(t, c1, model.EventSignal, model.Inbound{Type: "offer", Payload: json.RawMessage(`1`)})
	if !errors.Is(err, ErrMissingDestination) {
		t.Fatalf("want ErrMissingDestination, got %v", err)
	}
	f.expectOne(t, c1, model.EventError, nil)
	f.expectNone(t, c2)
}

func TestService_RelayToTargetIsUnicast(t *testing.T) {
	f := newFixture(t)
	c1, c2, c3 := f.connect(), f.connect(), f.connect()
	for _, c := range []string{c1, c2, c3} {
		_ = f.handle(t, c, model.EventJoin, model.Inbound{Room: "R"})
		f.drain(c1)
		f.drain(c2)
		f.drain(c3)
	}

	in := model.Inbound{
		Target:    c3,
		Sender:    "spoofed",
		Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`),
	}
	if err := f.handle(t, c1, model.EventCandidate, in); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	var relay model.Relay
	f.expectOne(t, c3, model.EventCandidate, &relay)
	if relay.Sender != c1 || relay.ClaimedSender != "spoofed" {
		t.Fatalf("sender fields: %s", spew.Sdump(relay))
	}
	f.expectNone(t, c1)
	f.expectNone(t, c2)
}

func TestService_SignalByToField(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()

	in := model.Inbound{To: c2, Type: "answer", Payload: json.RawMessage(`{"sdp":"x"}`)}
	if err := f.handle(t, c1, model.EventSignal, in); err != nil {
		t.Fatalf("signal: %v", err)
	}
	var relay model.Relay
	f.expectOne(t, c2, model.EventSignal, &relay)
	if relay.From != c1 || relay.Type != "answer" || string(relay.Payload) != `{"sdp":"x"}` {
		t.Fatalf("relay: %s", spew.Sdump(relay))
	}
}

func TestService_RelayToRoomExcludesSenderAndOutsiders(t *testing.T) {
	f := newFixture(t)
	c1, c2, c3, outsider := f.connect(), f.connect(), f.connect(), f.connect()
	for _, c := range []string{c1, c2, c3} {
		_ = f.handle(t, c, model.EventJoin, model.Inbound{Room: "R"})
	}
	_ = f.handle(t, outsider, model.EventJoin, model.Inbound{Room: "OTHER"})
	for c := range f.eps {
		f.drain(c)
	}

	if err := f.handle(t, c1, model.EventGestureAction, model.Inbound{Room: "R", Payload: json.RawMessage(`"wave"`)}); err != nil {
		t.Fatalf("gesture-action: %v", err)
	}
	f.expectOne(t, c2, model.EventGestureAction, nil)
	f.expectOne(t, c3, model.EventGestureAction, nil)
	f.expectNone(t, c1)
	f.expectNone(t, outsider)
}

func TestService_StopScreenShareIsRenamed(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()
	_ = f.handle(t, c1, model.EventJoin, model.Inbound{Room: "R"})
	_ = f.handle(t, c2, model.EventJoin, model.Inbound{Room: "R"})
	f.drain(c1)
	f.drain(c2)

	if err := f.handle(t, c1, model.EventStopScreenShare, model.Inbound{Room: "R"}); err != nil {
		t.Fatalf("stop-screen-share: %v", err)
	}
	f.expectOne(t, c2, model.EventScreenShareStopped, nil)
}

func TestService_LeaveNotifiesRemaining(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()
	_ = f.handle(t, c1, model.EventJoinRoom, model.Inbound{Room: "R", UserID: "alice"})
	_ = f.handle(t, c2, model.EventJoinRoom, model.Inbound{Room: "R", UserID: "bob"})
	f.drain(c1)
	f.drain(c2)

	if err := f.handle(t, c1, model.EventLeaveRoom, model.Inbound{Room: "R"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	var peer model.PeerEvent
	f.expectOne(t, c2, model.EventUserLeft, &peer)
	if peer.SID != c1 || peer.UserID != "alice" {
		t.Fatalf("user-left: %s", spew.Sdump(peer))
	}

	// last member leaving produces no notification and removes the room
	if err := f.handle(t, c2, model.EventLeave, model.Inbound{Room: "R"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	f.expectNone(t, c1)
	if f.store.Exists("R") {
		t.Fatalf("room R should be gone")
	}
}

func TestService_DisconnectFromSeveralRooms(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()
	_ = f.handle(t, c1, model.EventJoin, model.Inbound{Room: "A"})
	_ = f.handle(t, c1, model.EventJoin, model.Inbound{Room: "B"})
	_ = f.handle(t, c2, model.EventJoin, model.Inbound{Room: "B"})
	f.drain(c2)

	f.svc.Disconnect(c1)
	f.svc.Disconnect(c1)

	if f.store.Exists("A") {
		t.Fatalf("room A should be gone")
	}
	if got := f.store.Members("B"); !reflect.DeepEqual(got, []string{c2}) {
		t.Fatalf("room B: %v", got)
	}
	f.expectOne(t, c2, model.EventPeerLeft, nil)
}

func TestService_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect()

	if err := f.svc.Handle(c1, model.Frame{Event: "dance"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("want ErrUnknownEvent, got %v", err)
	}
	f.expectOne(t, c1, model.EventError, nil)

	err := f.svc.Handle(c1, model.Frame{Event: model.EventJoin, Data: json.RawMessage(`{"room":42}`)})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("want ErrMalformedFrame, got %v", err)
	}
	f.expectOne(t, c1, model.EventError, nil)
}

func TestService_CreateMeetingRerollsOnCollision(t *testing.T) {
	f := newFixture(t, "TAKEN1", "TAKEN1", "FREE01")
	f.store.CreateRoom("TAKEN1")

	id, err := f.svc.CreateMeeting()
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if id != "FREE01" {
		t.Fatalf("want FREE01, got %q", id)
	}
}

func TestService_CreateMeetingExhausted(t *testing.T) {
	f := newFixture(t, "SAME01")
	f.store.CreateRoom("SAME01")

	if _, err := f.svc.CreateMeeting(); !errors.Is(err, ErrMeetingIDExhausted) {
		t.Fatalf("want ErrMeetingIDExhausted, got %v", err)
	}
}

func TestService_CreateMeetingGeneratorError(t *testing.T) {
	f := newFixture(t)
	f.svc.ids = &seqIDs{err: errors.New("entropy")}

	if _, err := f.svc.CreateMeeting(); !errors.Is(err, ErrMeetingID) {
		t.Fatalf("want ErrMeetingID, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect()
	f.connect()
	_ = f.handle(t, c1, model.EventJoin, model.Inbound{Room: "R"})

	if got := f.svc.Stats(); got != (Stats{Rooms: 1, Connections: 2}) {
		t.Fatalf("stats: %+v", got)
	}
}

func TestService_JanitorSweeps(t *testing.T) {
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	svc := NewService(Config{
		RoomStore:      store,
		Switch:         sw.NewSwitch(sw.Config{Logger: &logger}),
		IDGenerator:    &seqIDs{ids: []string{"X"}},
		Logger:         &logger,
		PendingRoomTTL: 10 * time.Millisecond,
	})
	store.CreateRoom("PENDING")

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.RunJanitor(ctx, wg)

	deadline := time.Now().Add(2 * time.Second)
	for store.Exists("PENDING") {
		if time.Now().After(deadline) {
			cancel()
			wg.Wait()
			t.Fatalf("pending room was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
}

func TestService_JoinRoomAnnouncesUserJoined(t *testing.T) {
	f := newFixture(t)
	c1, c2 := f.connect(), f.connect()
	_ = f.handle(t, c1, model.EventJoinRoom, model.Inbound{Room: "R", UserID: "alice"})
	f.drain(c1)

	if err := f.handle(t, c2, model.EventJoinRoom, model.Inbound{Room: "R", UserID: "bob"}); err != nil {
		t.Fatalf("join-room: %v", err)
	}
	f.expectOne(t, c2, model.EventJoined, nil)

	var peer model.PeerEvent
	f.expectOne(t, c1, model.EventUserJoined, &peer)
	if peer.SID != c2 || peer.UserID != "bob" || peer.Room != "R" {
		t.Fatalf("user-joined: %s", spew.Sdump(peer))
	}
}

func TestService_RelayToUnknownRoom(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect()

	err := f.handle(t, c1, model.EventOffer, model.Inbound{Room: "NOPE", SDP: json.RawMessage(`"v=0"`)})
	if err != nil {
		t.Fatalf("offer to unknown room: %v", err)
	}
	f.expectNone(t, c1)
	if f.store.Exists("NOPE") {
		t.Fatalf("relay must not create room NOPE")
	}
}
