package _switch

import (
	"context"
	"time"

	"github.com/adwski/greenscreen/backend/metrics"
	"github.com/adwski/greenscreen/backend/model"
	"github.com/adwski/greenscreen/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
)

type (
	Registry interface {
		Subscribers(model.RoomID) []*memory.Subscription
		Unsubscribe(*memory.Subscription) bool
		ActiveRooms() []model.RoomID
	}

	// Switch fans events out to room subscribers. Publish never blocks: a
	// subscriber whose queue rejects an event is evicted from the registry
	// and receives nothing further.
	Switch struct {
		logger   zerolog.Logger
		registry Registry
		metrics  *metrics.Metrics

		heartbeatInterval time.Duration
	}

	Config struct {
		Logger   *zerolog.Logger
		Registry Registry
		Metrics  *metrics.Metrics

		// HeartbeatInterval <= 0 disables room heartbeats.
		HeartbeatInterval time.Duration
	}
)

func NewSwitch(cfg Config) *Switch {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Switch{
		logger:            cfg.Logger.With().Str("component", "switch").Logger(),
		registry:          cfg.Registry,
		metrics:           m,
		heartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Publish enqueues ev to every subscriber of room and returns the number of
// subscribers it reached.
func (sw *Switch) Publish(room model.RoomID, ev model.Event) int {
	sw.metrics.EventsPublished.WithLabelValues(ev.Kind.String()).Inc()

	var sent int
	for _, sub := range sw.registry.Subscribers(room) {
		if err := sub.TrySend(ev); err != nil {
			if sw.registry.Unsubscribe(sub) {
				sw.metrics.Evictions.Inc()
				sw.logger.Warn().Err(err).
					Stringer("room", room).
					Uint64("subscription", sub.ID()).
					Stringer("event", ev).
					Msg("dead subscriber evicted")
			}
			continue
		}
		sent++
	}

	sw.metrics.Deliveries.Add(float64(sent))
	if sent == 0 {
		sw.metrics.EventsDropped.Inc()
		sw.logger.Trace().
			Stringer("room", room).
			Stringer("event", ev).
			Msg("event did not reach anyone")
	} else {
		sw.logger.Trace().
			Stringer("room", room).
			Stringer("event", ev).
			Int("subscribers", sent).
			Msg("event published")
	}
	return sent
}

// Heartbeat publishes a heartbeat to every room with at least one subscriber.
func (sw *Switch) Heartbeat() {
	for _, room := range sw.registry.ActiveRooms() {
		sw.Publish(room, model.Heartbeat())
	}
}

// Run emits room heartbeats until ctx is done.
func (sw *Switch) Run(ctx context.Context) {
	defer func() {
		sw.logger.Debug().Msg("switch stopped")
	}()
	if sw.heartbeatInterval <= 0 {
		sw.logger.Debug().Msg("room heartbeats disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(sw.heartbeatInterval)
	defer ticker.Stop()

	sw.logger.Info().Dur("interval", sw.heartbeatInterval).Msg("room heartbeats started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Heartbeat()
		}
	}
}
