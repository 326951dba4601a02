package gateway

import (
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/metrics"
)

// Broadcaster fans bus events out to subscribed sessions. It runs entirely
// on the bus worker goroutine (as a bus sink), so events reach each
// session's outbound queue in emission order; the per-connection writer
// preserves that order on the wire.
type Broadcaster struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster over the connection manager.
func NewBroadcaster(manager *ConnectionManager, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		manager: manager,
		logger:  logger.With("component", "broadcast"),
	}
}

// Sink returns the bus sink. Register it with Bus.AddSink.
func (b *Broadcaster) Sink() events.Sink {
	return b.deliver
}

// deliver pushes one event to every authenticated session whose filter
// matches. The frame is marshaled once and shared; queues copy nothing.
// Delivery is best-effort: a full queue drops its oldest event and the
// connection surfaces the gap as a session.lagged notice.
func (b *Broadcaster) deliver(e events.Event) {
	conns := b.manager.AuthenticatedSnapshot()
	if len(conns) == 0 {
		return
	}

	var frame []byte
	for _, c := range conns {
		filter := c.Filter()
		if filter == nil || !filter.Matches(e) {
			continue
		}
		if frame == nil {
			var err error
			frame, err = encodeEvent(e.Type, e.Data)
			if err != nil {
				b.logger.Error("dropping unencodable event", "event", e.Type, "error", err)
				return
			}
		}
		if dropped := c.sendEvent(frame); dropped > 0 {
			metrics.BroadcastDropsTotal.Add(float64(dropped))
			b.logger.Debug("session queue overflow",
				"connection_id", c.ID, "event", e.Type, "dropped", dropped)
		}
		metrics.FramesTotal.WithLabelValues("out", frameTypeEvent).Inc()
	}
}
