package trigger

import (
	"github.com/nats-io/nats.go"
)

// NATSSource adapts a NATS connection to the MessageSource interface.
type NATSSource struct {
	conn *nats.Conn
}

// NewNATSSource wraps an established NATS connection.
func NewNATSSource(conn *nats.Conn) *NATSSource {
	return &NATSSource{conn: conn}
}

// Subscribe registers a NATS subscription for the topic.
func (s *NATSSource) Subscribe(topic string, handler func(topic string, data []byte)) (func(), error) {
	sub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
