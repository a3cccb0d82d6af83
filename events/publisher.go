// Package events publishes fulfillment events through watermill, either on an
// in-process go channel or on a NATS server.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"marketflow/config"
	"marketflow/logging"
	"marketflow/metrics"
)

const (
	DriverGoChannel = "gochannel"
	DriverNATS      = "nats"

	// MetadataKey carries the partition key (the order id for grants).
	MetadataKey = "key"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("events: publisher closed")
	// ErrNoSubscriber is returned by Subscribe on drivers that do not fan out in-process.
	ErrNoSubscriber = errors.New("events: driver does not support in-process subscribe")
)

// Publisher serializes payloads as JSON and publishes them on one topic.
type Publisher struct {
	pub    message.Publisher
	local  *gochannel.GoChannel
	topic  string
	mu     sync.RWMutex
	closed bool
}

// New builds a publisher for the configured driver.
func New(cfg config.EventsConfig) (*Publisher, error) {
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())

	switch cfg.Driver {
	case "", DriverGoChannel:
		return NewInProcess(cfg.Topic, logger), nil
	case DriverNATS:
		pub, err := newNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return &Publisher{pub: pub, topic: cfg.Topic}, nil
	default:
		return nil, fmt.Errorf("events: unknown driver %q", cfg.Driver)
	}
}

// NewInProcess returns a publisher backed by a watermill go channel.
func NewInProcess(topic string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Publisher{pub: ch, local: ch, topic: topic}
}

func newNATSPublisher(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	opts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: opts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("events: create nats publisher: %w", err)
	}
	return pub, nil
}

// Topic is the topic every message goes to.
func (p *Publisher) Topic() string { return p.topic }

// Publish marshals payload and sends it with key as metadata.
func (p *Publisher) Publish(ctx context.Context, key string, payload any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(MetadataKey, key)
	if rid := logging.RequestIDFromContext(ctx); rid != "" {
		msg.Metadata.Set("request_id", rid)
	}
	msg.SetContext(ctx)

	err = p.pub.Publish(p.topic, msg)
	metrics.RecordPublish(p.topic, err)
	if err != nil {
		return fmt.Errorf("events: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Subscribe returns the in-process message stream. Only the go channel
// driver supports it; NATS consumers subscribe on the server.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if p.local == nil {
		return nil, ErrNoSubscriber
	}
	return p.local.Subscribe(ctx, p.topic)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}
