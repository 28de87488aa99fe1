// Package tracker turns per-room voice presence signals into deduplicated
// participant events.
package tracker

import (
	"slices"
	"sync"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(model.RoomID, model.Event) int
}

// Tracker holds the activity state of one room. All methods are serialized
// by a per-room lock and emit while holding it, so events of one call are
// never interleaved with events of another call for the same room.
//
// Source bindings are never removed. A tick that mentions a tag of an already
// disconnected participant still resolves and may emit Speaking/Quiet.
type Tracker struct {
	room    model.RoomID
	pub     Publisher
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mx        sync.Mutex
	sources   map[model.SourceTag]model.ParticipantID
	connected map[model.ParticipantID]struct{}
	talking   map[model.ParticipantID]struct{}
}

type Config struct {
	Room      model.RoomID
	Publisher Publisher
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics
}

func New(cfg Config) *Tracker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Tracker{
		room: cfg.Room,
		pub:  cfg.Publisher,
		logger: cfg.Logger.With().
			Str("component", "tracker").
			Stringer("room", cfg.Room).
			Logger(),
		metrics:   m,
		sources:   make(map[model.SourceTag]model.ParticipantID),
		connected: make(map[model.ParticipantID]struct{}),
		talking:   make(map[model.ParticipantID]struct{}),
	}
}

func (t *Tracker) Room() model.RoomID {
	return t.room
}

// Handle dispatches a signal to its handler.
func (t *Tracker) Handle(sig model.Signal) {
	switch s := sig.(type) {
	case model.Bind:
		t.BindSource(s.Tag, s.Participant)
	case model.Tick:
		t.ProcessTick(s.Talking)
	case model.Disconnect:
		t.Disconnect(s.Participant)
	}
}

// BindSource maps tag to participant. Connected is emitted the first time a
// participant is bound after joining or after its last disconnect; rebinding
// a known participant to a new tag emits nothing. A tag taken over by another
// participant announces that participant as Connected when it is not already
// connected.
func (t *Tracker) BindSource(tag model.SourceTag, participant model.ParticipantID) {
	t.metrics.Signals.WithLabelValues("bind").Inc()

	t.mx.Lock()
	defer t.mx.Unlock()

	prev, bound := t.sources[tag]
	if bound && prev == participant {
		return
	}
	t.sources[tag] = participant

	if bound {
		t.logger.Debug().
			Uint32("tag", uint32(tag)).
			Uint64("previous", uint64(prev)).
			Uint64("participant", uint64(participant)).
			Msg("source rebound")
	}

	if _, ok := t.connected[participant]; ok {
		return
	}
	t.connected[participant] = struct{}{}
	t.logger.Debug().
		Uint32("tag", uint32(tag)).
		Uint64("participant", uint64(participant)).
		Msg("participant connected")
	t.emit(model.Connected(participant))
}

// ProcessTick diffs the participants behind talkingTags against the previous
// tick, emitting Speaking for those who started and Quiet for those who
// stopped. Unbound tags are ignored.
func (t *Tracker) ProcessTick(talkingTags []model.SourceTag) {
	t.metrics.Signals.WithLabelValues("tick").Inc()

	t.mx.Lock()
	defer t.mx.Unlock()

	current := make(map[model.ParticipantID]struct{}, len(talkingTags))
	for _, tag := range talkingTags {
		if p, ok := t.sources[tag]; ok {
			current[p] = struct{}{}
		}
	}

	for _, p := range sortedDiff(current, t.talking) {
		t.emit(model.Speaking(p))
	}
	for _, p := range sortedDiff(t.talking, current) {
		t.emit(model.Quiet(p))
	}
	t.talking = current
}

// Disconnect always emits Disconnected, even for participants that never
// spoke. The talking set is left to subsequent ticks.
func (t *Tracker) Disconnect(participant model.ParticipantID) {
	t.metrics.Signals.WithLabelValues("disconnect").Inc()

	t.mx.Lock()
	defer t.mx.Unlock()

	delete(t.connected, participant)
	t.logger.Debug().
		Uint64("participant", uint64(participant)).
		Msg("participant disconnected")
	t.emit(model.Disconnected(participant))
}

// Talking returns the participants considered talking after the last tick.
func (t *Tracker) Talking() []model.ParticipantID {
	t.mx.Lock()
	defer t.mx.Unlock()
	return sortedKeys(t.talking)
}

func (t *Tracker) emit(ev model.Event) {
	if n := t.pub.Publish(t.room, ev); n == 0 {
		t.logger.Trace().Stringer("event", ev).Msg("event dropped, no subscribers")
	}
}

func sortedDiff(a, b map[model.ParticipantID]struct{}) []model.ParticipantID {
	var out []model.ParticipantID
	for p := range a {
		if _, ok := b[p]; !ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

func sortedKeys(m map[model.ParticipantID]struct{}) []model.ParticipantID {
	out := make([]model.ParticipantID, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
