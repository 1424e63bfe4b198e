package _switch

import (
	"sync"

	"github.com/adwski/meetrelay/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultOutboxSize = 64
)

// Endpoint is the switch side of one live connection.
type Endpoint struct {
	id   string
	tx   chan model.Frame
	done chan struct{}
}

func (ep *Endpoint) ID() string {
	return ep.id
}

// TX is drained by the connection's writer.
func (ep *Endpoint) TX() <-chan model.Frame {
	return ep.tx
}

// Done is closed once the endpoint is disconnected.
func (ep *Endpoint) Done() <-chan struct{} {
	return ep.done
}

type Config struct {
	Logger     *zerolog.Logger
	OutboxSize int
	NewID      func() string
}

// Switch is the registry of reachable connections. Frames are queued on a
// per-connection outbox and never block the caller.
type Switch struct {
	logger     zerolog.Logger
	mx         *sync.RWMutex
	fwd        map[string]*Endpoint
	outboxSize int
	newID      func() string
}

func NewSwitch(cfg Config) *Switch {
	sw := &Switch{
		logger:     cfg.Logger.With().Str("component", "switch").Logger(),
		mx:         &sync.RWMutex{},
		fwd:        make(map[string]*Endpoint),
		outboxSize: cfg.OutboxSize,
		newID:      cfg.NewID,
	}
	if sw.outboxSize <= 0 {
		sw.outboxSize = defaultOutboxSize
	}
	if sw.newID == nil {
		sw.newID = uuid.NewString
	}
	return sw
}

// Connect registers a new endpoint under a fresh connection id.
func (sw *Switch) Connect() *Endpoint {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	id := sw.newID()
	for _, taken := sw.fwd[id]; taken; _, taken = sw.fwd[id] {
		id = sw.newID()
	}
	ep := &Endpoint{
		id:   id,
		tx:   make(chan model.Frame, sw.outboxSize),
		done: make(chan struct{}),
	}
	sw.fwd[id] = ep

	sw.logger.Info().Str("connID", id).Msg("endpoint connected")
	return ep
}

// Disconnect removes the endpoint. It returns false if the id was not
// connected, so repeated calls are harmless.
func (sw *Switch) Disconnect(connID string) bool {
	sw.mx.Lock()
	ep, ok := sw.fwd[connID]
	if ok {
		delete(sw.fwd, connID)
		close(ep.done)
	}
	sw.mx.Unlock()

	if ok {
		sw.logger.Info().Str("connID", connID).Msg("endpoint disconnected")
	}
	return ok
}

func (sw *Switch) Connected(connID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	_, ok := sw.fwd[connID]
	return ok
}

func (sw *Switch) Count() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// Send queues frame for a single connection.
func (sw *Switch) Send(connID string, frame model.Frame) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	ep, ok := sw.fwd[connID]
	if !ok {
		sw.logger.Debug().
			Str("dst", connID).
			Str("event", frame.Event).
			Msg("cannot forward, dst not found")
		return false
	}
	return sw.enqueue(ep, frame)
}

// Multicast queues frame for every id except exclude and returns how many
// endpoints accepted it.
func (sw *Switch) Multicast(connIDs []string, exclude string, frame model.Frame) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	var sent int
	for _, id := range connIDs {
		if id == exclude {
			continue
		}
		ep, ok := sw.fwd[id]
		if !ok {
			continue
		}
		if sw.enqueue(ep, frame) {
			sent++
		}
	}
	return sent
}

// enqueue must be called with at least a read lock held, which keeps the
// endpoint from being disconnected underneath.
func (sw *Switch) enqueue(ep *Endpoint, frame model.Frame) bool {
	select {
	case ep.tx <- frame:
		sw.logger.Trace().
			Str("dst", ep.id).
			Str("event", frame.Event).
			Msg("frame is forwarded")
		return true
	default:
		sw.logger.Error().
			Str("dst", ep.id).
			Str("event", frame.Event).
			Msg("outbox is full, frame dropped")
		return false
	}
}
