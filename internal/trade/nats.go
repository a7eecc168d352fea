package trade

import (
	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject root events are published under.
const DefaultSubjectPrefix = "perp.events"

// Publisher is the subset of *nats.Conn used to publish events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events to {prefix}.{type}.{marketID}.
type NATSPublisher struct {
	conn   Publisher
	prefix string
	log    *zap.Logger
}

// NewNATSPublisher wraps a NATS connection.
func NewNATSPublisher(conn Publisher, prefix string, log *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

// Connect dials url and returns a publisher on the new connection.
func Connect(url, prefix string, log *zap.Logger) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return NewNATSPublisher(nc, prefix, log), nc, nil
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return p.prefix + "." + e.Type + "." + e.MarketID
}

// Broadcast implements Broadcaster. Publish only buffers on the
// connection, so it does not block on the network.
func (p *NATSPublisher) Broadcast(e Event) {
	data, err := sonic.Marshal(e)
	if err != nil {
		p.log.Warn("nats event encode failed", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		p.log.Warn("nats publish failed", zap.String("type", e.Type), zap.Error(err))
	}
}
