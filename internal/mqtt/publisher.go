package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"climalog/internal/config"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
)

const (
	qosAtLeastOnce = byte(1)
	publishTimeout = 5 * time.Second
	waitPoll       = 200 * time.Millisecond
)

var ErrStopped = errors.New("publisher stopped")

// Batch is the payload of <prefix>/<source>/readings.
type Batch struct {
	Source      types.Source   `json:"source"`
	PublishedAt time.Time      `json:"published_at"`
	Samples     []types.Sample `json:"samples"`
}

// Health is the retained payload of <prefix>/<source>/health.
type Health struct {
	Source      types.Source `json:"source"`
	State       string       `json:"state"`
	LastSuccess time.Time    `json:"last_success,omitzero"`
	LastWritten int          `json:"last_written"`
	Healthy     bool         `json:"healthy"`
}

// Publisher forwards committed batches to an MQTT broker.
type Publisher struct {
	client    mqtt.Client
	prefix    string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg config.Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.MQTTBroker == "" {
		return nil, errors.New("mqtt broker is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		prefix: cfg.MQTTTopicPrefix,
		logger: logger.With("component", "mqtt"),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

func newPublisherWithClient(client mqtt.Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		connected: true,
		stopCh:    make(chan struct{}),
	}
}

// Connect waits for the initial connection, respecting ctx and Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	for {
		if token.WaitTimeout(waitPoll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			p.client.Disconnect(0)
			return ctx.Err()
		case <-p.stopCh:
			p.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

func (p *Publisher) PublishBatch(ctx context.Context, source types.Source, samples []types.Sample) error {
	topic := p.topic(source, "readings")
	err := p.publish(ctx, topic, false, Batch{
		Source:      source,
		PublishedAt: time.Now().UTC(),
		Samples:     samples,
	})
	if err != nil {
		return err
	}
	p.logger.Debug("published batch", "topic", topic, "samples", len(samples))
	return nil
}

func (p *Publisher) PublishHealth(ctx context.Context, status service.Status) error {
	topic := p.topic(status.Source, "health")
	return p.publish(ctx, topic, true, Health{
		Source:      status.Source,
		State:       string(status.State),
		LastSuccess: status.LastSuccess,
		LastWritten: status.LastWritten,
		Healthy:     status.State != service.StateFaulted && status.LastError == "",
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload any) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	token := p.client.Publish(topic, qosAtLeastOnce, retained, data)
	deadline := time.Now().Add(publishTimeout)
	for !token.WaitTimeout(waitPoll) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("publish timeout for topic %s", topic)
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) topic(source types.Source, leaf string) string {
	if p.prefix == "" {
		return fmt.Sprintf("%s/%s", source, leaf)
	}
	return fmt.Sprintf("%s/%s/%s", p.prefix, source, leaf)
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher. Idempotent; Connect fails afterwards.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
