package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tablebus/tablebus/cfg"
)

func init() {
	RegisterSink("nats", func(config cfg.BusConfiguration) (Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats bus requires nats_url")
		}
		prefix := config.SubjectPrefix
		if prefix == "" {
			prefix = "events." + config.Name
		}
		return NewNatsSink(config.NatsURL, prefix)
	})
}

// NatsSink publishes events to NATS JetStream, one subject per detail type
type NatsSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url, subjectPrefix string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, prefix: subjectPrefix}, nil
}

// Publish sends an event to subject {prefix}.{detailType}
func (n *NatsSink) Publish(event Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := n.prefix + "." + event.DetailType

	// Ensure stream exists for the subject prefix
	streamName := sanitizeStreamName(n.prefix)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{n.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"detail-type": []string{event.DetailType},
			"source":      []string{event.Source},
		},
	}

	_, err = n.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream
// name. Stream names can't contain "." so we replace with "_".
func sanitizeStreamName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}
