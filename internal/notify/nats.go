package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/dmitrijs2005/outboxd/internal/logging"
)

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as a JSON object on prefix + "." + name.
// Attribute values that implement fmt.Stringer are sent as strings.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger logging.Logger
}

func NewNATSSink(pub Publisher, prefix string, logger logging.Logger) *NATSSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

func (s *NATSSink) Subject(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "." + name
}

func (s *NATSSink) Post(name string, attrs map[string]any) {
	ctx := context.Background()

	payload := make(map[string]any, len(attrs)+1)
	payload["event"] = name
	for k, v := range attrs {
		if st, ok := v.(fmt.Stringer); ok {
			payload[k] = st.String()
			continue
		}
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error(ctx, "encode notification", "event", name, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(name), data); err != nil {
		s.logger.Warn(ctx, "publish notification", "event", name, "error", err)
	}
}

// Connect dials NATS with the client name shown in server monitoring. opts
// are applied after the defaults.
func Connect(url, name string, maxReconnects int, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
