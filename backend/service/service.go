package service

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/adwski/greenscreen/backend/storage/memory"
	"github.com/adwski/greenscreen/backend/tracker"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotJoined = errors.New("room is not joined")
	ErrBadSignal     = errors.New("unsupported signal")
)

type (
	Registry interface {
		Subscribe(model.RoomID) *memory.Subscription
		Unsubscribe(*memory.Subscription) bool
		Acquire(model.RoomID) *memory.Room
		Release(model.RoomID)
		Drop(model.RoomID) int
		Rooms() []memory.RoomInfo
	}

	Switch interface {
		Publish(model.RoomID, model.Event) int
	}

	// Service connects the voice side (join, leave, signals) with the
	// websocket side (subscriptions) of the relay.
	Service struct {
		registry Registry
		sw       Switch
		root     *zerolog.Logger
		logger   zerolog.Logger
		metrics  *metrics.Metrics
		wsURL    string

		mx       *sync.RWMutex
		trackers map[model.RoomID]*tracker.Tracker
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Logger   *zerolog.Logger
		Metrics  *metrics.Metrics

		// PublicWSURL is the externally reachable websocket base URL,
		// e.g. ws://relay.example.com.
		PublicWSURL string
	}

	RoomStatus struct {
		ID          model.RoomID          `json:"room"`
		Joined      bool                  `json:"joined"`
		Subscribers int                   `json:"subscribers"`
		Talking     []model.ParticipantID `json:"talking,omitempty"`
	}
)

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		registry: cfg.Registry,
		sw:       cfg.Switch,
		root:     cfg.Logger,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		metrics:  m,
		wsURL:    strings.TrimRight(cfg.PublicWSURL, "/"),
		mx:       &sync.RWMutex{},
		trackers: make(map[model.RoomID]*tracker.Tracker),
	}
}

// Endpoint returns the websocket URL subscribers of room connect to.
func (svc *Service) Endpoint(room model.RoomID) string {
	return svc.wsURL + "/" + room.String()
}

// JoinRoom starts tracking room activity and returns the room endpoint.
// Joining an already joined room keeps the existing tracker.
func (svc *Service) JoinRoom(room model.RoomID) (string, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.trackers[room]; ok {
		svc.logger.Debug().Stringer("room", room).Msg("room already joined")
		return svc.Endpoint(room), false
	}

	svc.registry.Acquire(room)
	svc.trackers[room] = tracker.New(tracker.Config{
		Room:      room,
		Publisher: svc.sw,
		Logger:    svc.root,
		Metrics:   svc.metrics,
	})
	svc.metrics.ActiveTrackers.Inc()
	svc.logger.Info().Stringer("room", room).Msg("room joined")
	return svc.Endpoint(room), true
}

// LeaveRoom stops tracking room and closes lingering subscriptions. It
// returns the number of subscriptions dropped.
func (svc *Service) LeaveRoom(room model.RoomID) (int, error) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.trackers[room]; !ok {
		return 0, ErrRoomNotJoined
	}
	delete(svc.trackers, room)
	svc.metrics.ActiveTrackers.Dec()

	// a concurrent join must not see the room until its subscriptions are gone
	dropped := svc.registry.Drop(room)
	svc.registry.Release(room)
	svc.logger.Info().
		Stringer("room", room).
		Int("dropped", dropped).
		Msg("room left")
	return dropped, nil
}

func (svc *Service) Tracker(room model.RoomID) (*tracker.Tracker, bool) {
	svc.mx.RLock()
	defer svc.mx.RUnlock()
	tr, ok := svc.trackers[room]
	return tr, ok
}

// Signal routes a voice signal to the room's tracker.
func (svc *Service) Signal(room model.RoomID, sig model.Signal) error {
	tr, ok := svc.Tracker(room)
	if !ok {
		return ErrRoomNotJoined
	}
	switch sig.(type) {
	case model.Bind, model.Tick, model.Disconnect:
	default:
		return ErrBadSignal
	}
	tr.Handle(sig)
	return nil
}

func (svc *Service) Subscribe(room model.RoomID) *memory.Subscription {
	return svc.registry.Subscribe(room)
}

func (svc *Service) Unsubscribe(sub *memory.Subscription) {
	svc.registry.Unsubscribe(sub)
}

func (svc *Service) Rooms() []RoomStatus {
	infos := svc.registry.Rooms()

	svc.mx.RLock()
	defer svc.mx.RUnlock()

	out := make([]RoomStatus, 0, len(infos))
	seen := make(map[model.RoomID]struct{}, len(infos))
	for _, info := range infos {
		seen[info.ID] = struct{}{}
		st := RoomStatus{ID: info.ID, Subscribers: info.Subscribers}
		if tr, ok := svc.trackers[info.ID]; ok {
			st.Joined = true
			st.Talking = tr.Talking()
		}
		out = append(out, st)
	}
	// trackers whose room entry appeared after the registry snapshot
	for id, tr := range svc.trackers {
		if _, ok := seen[id]; !ok {
			out = append(out, RoomStatus{ID: id, Joined: true, Talking: tr.Talking()})
		}
	}
	slices.SortFunc(out, func(a, b RoomStatus) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
