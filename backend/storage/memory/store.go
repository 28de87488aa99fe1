package memory

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultQueueSize = 96
)

var (
	ErrQueueFull          = errors.New("subscription queue is full")
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// Subscription is a bounded outbound queue registered for one room.
// TrySend never blocks.
type Subscription struct {
	id    uint64
	room  model.RoomID
	queue chan model.Event

	mx     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSubscription(id uint64, room model.RoomID, size int) *Subscription {
	return &Subscription{
		id:    id,
		room:  room,
		queue: make(chan model.Event, size),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) ID() uint64 {
	return s.id
}

func (s *Subscription) Room() model.RoomID {
	return s.room
}

// Events is never closed; watch Done for termination.
func (s *Subscription) Events() <-chan model.Event {
	return s.queue
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) TrySend(ev model.Event) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close reports whether this call closed the subscription.
func (s *Subscription) Close() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// Room is the fan-out point of one room.
type Room struct {
	id model.RoomID

	mx   sync.RWMutex
	subs map[*Subscription]struct{}

	// refs counts trackers holding the room, guarded by the registry lock.
	refs int
}

func (r *Room) ID() model.RoomID {
	return r.id
}

func (r *Room) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.subs)
}

// Subscribers returns a snapshot of the room's subscriptions.
func (r *Room) Subscribers() []*Subscription {
	r.mx.RLock()
	defer r.mx.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *Room) add(s *Subscription) {
	r.mx.Lock()
	r.subs[s] = struct{}{}
	r.mx.Unlock()
}

func (r *Room) remove(s *Subscription) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.subs[s]; !ok {
		return false
	}
	delete(r.subs, s)
	return true
}

func (r *Room) removeAll() []*Subscription {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	clear(r.subs)
	return out
}

type RoomInfo struct {
	ID          model.RoomID `json:"room"`
	Subscribers int          `json:"subscribers"`
	Trackers    int          `json:"trackers"`
}

// Registry maps rooms to their subscriptions. Structural changes (room
// creation and removal, subscribe, unsubscribe) are serialized by the
// registry lock; fan-out lookups take the read lock only.
// A room entry is removed once it has neither subscriptions nor tracker refs.
type Registry struct {
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	queueSize int
	nextID    atomic.Uint64

	mx    *sync.RWMutex
	rooms map[model.RoomID]*Room
}

type Config struct {
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics
	QueueSize int
}

func NewRegistry(cfg Config) *Registry {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		logger:    cfg.Logger.With().Str("component", "registry").Logger(),
		metrics:   m,
		queueSize: size,
		mx:        &sync.RWMutex{},
		rooms:     make(map[model.RoomID]*Room),
	}
}

// Get returns the room's fan-out point, creating it if absent.
func (reg *Registry) Get(id model.RoomID) *Room {
	reg.mx.RLock()
	room, ok := reg.rooms[id]
	reg.mx.RUnlock()
	if ok {
		return room
	}

	reg.mx.Lock()
	defer reg.mx.Unlock()
	return reg.getOrCreate(id)
}

func (reg *Registry) getOrCreate(id model.RoomID) *Room {
	room, ok := reg.rooms[id]
	if !ok {
		room = &Room{
			id:   id,
			subs: make(map[*Subscription]struct{}),
		}
		reg.rooms[id] = room
		reg.metrics.ActiveRooms.Inc()
		reg.logger.Debug().Stringer("room", id).Msg("room created")
	}
	return room
}

// removeIfIdle must be called with the write lock held.
func (reg *Registry) removeIfIdle(room *Room) {
	if room.refs > 0 || room.Len() > 0 {
		return
	}
	if reg.rooms[room.id] != room {
		return
	}
	delete(reg.rooms, room.id)
	reg.metrics.ActiveRooms.Dec()
	reg.logger.Debug().Stringer("room", room.id).Msg("room removed")
}

// Lookup returns the room without creating it.
func (reg *Registry) Lookup(id model.RoomID) (*Room, bool) {
	reg.mx.RLock()
	defer reg.mx.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Subscribers returns a snapshot of the room's subscriptions, nil if the
// room is unknown.
func (reg *Registry) Subscribers(id model.RoomID) []*Subscription {
	room, ok := reg.Lookup(id)
	if !ok {
		return nil
	}
	return room.Subscribers()
}

func (reg *Registry) Subscribe(id model.RoomID) *Subscription {
	sub := newSubscription(reg.nextID.Add(1), id, reg.queueSize)

	reg.mx.Lock()
	reg.getOrCreate(id).add(sub)
	reg.mx.Unlock()

	reg.metrics.ActiveSubscriptions.Inc()
	reg.logger.Debug().
		Stringer("room", id).
		Uint64("subscription", sub.id).
		Msg("subscribed")
	return sub
}

// Unsubscribe removes and closes the subscription. It reports whether the
// subscription was still registered; repeated calls are no-ops.
func (reg *Registry) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	sub.Close()

	reg.mx.Lock()
	defer reg.mx.Unlock()

	room, ok := reg.rooms[sub.room]
	if !ok || !room.remove(sub) {
		return false
	}
	reg.metrics.ActiveSubscriptions.Dec()
	reg.removeIfIdle(room)
	reg.logger.Debug().
		Stringer("room", sub.room).
		Uint64("subscription", sub.id).
		Msg("unsubscribed")
	return true
}

// Acquire pins the room entry for a tracker until Release.
func (reg *Registry) Acquire(id model.RoomID) *Room {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	room := reg.getOrCreate(id)
	room.refs++
	return room
}

func (reg *Registry) Release(id model.RoomID) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	room, ok := reg.rooms[id]
	if !ok || room.refs == 0 {
		return
	}
	room.refs--
	reg.removeIfIdle(room)
}

// Drop closes and removes every subscription of the room and returns how
// many there were.
func (reg *Registry) Drop(id model.RoomID) int {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	room, ok := reg.rooms[id]
	if !ok {
		return 0
	}
	subs := room.removeAll()
	for _, sub := range subs {
		sub.Close()
	}
	reg.metrics.ActiveSubscriptions.Sub(float64(len(subs)))
	reg.removeIfIdle(room)
	return len(subs)
}

// ActiveRooms returns rooms that have at least one subscription.
func (reg *Registry) ActiveRooms() []model.RoomID {
	reg.mx.RLock()
	defer reg.mx.RUnlock()
	out := make([]model.RoomID, 0, len(reg.rooms))
	for id, room := range reg.rooms {
		if room.Len() > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (reg *Registry) Rooms() []RoomInfo {
	reg.mx.RLock()
	defer reg.mx.RUnlock()
	out := make([]RoomInfo, 0, len(reg.rooms))
	for id, room := range reg.rooms {
		out = append(out, RoomInfo{
			ID:          id,
			Subscribers: room.Len(),
			Trackers:    room.refs,
		})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
