package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"climalog/internal/config"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the paho client methods the publisher uses.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	token     func() mqtt.Token
	sent      []published
	disconns  int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	c.mu.Unlock()
	if c.token != nil {
		return c.token()
	}
	return newToken(nil, true)
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.token != nil {
		return c.token()
	}
	return newToken(nil, true)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconns++
	c.connected = false
}

func TestPublishBatch(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisherWithClient(client, "climalog", slog.Default())

	samples := []types.Sample{{Time: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), Temperature: 21, Humidity: 50}}
	require.NoError(t, p.PublishBatch(context.Background(), "inside", samples))

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	require.Equal(t, "climalog/inside/readings", msg.topic)
	require.Equal(t, byte(1), msg.qos)
	require.False(t, msg.retained)

	var got Batch
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	require.Equal(t, types.Source("inside"), got.Source)
	require.Len(t, got.Samples, 1)
	require.Equal(t, 21.0, got.Samples[0].Temperature)
}

func TestPublishHealth_IsRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisherWithClient(client, "", slog.Default())

	status := service.Status{Source: "outside", State: service.StateFaulted, LastError: "timeout"}
	require.NoError(t, p.PublishHealth(context.Background(), status))

	msg := client.sent[0]
	require.Equal(t, "outside/health", msg.topic)
	require.True(t, msg.retained)

	var got Health
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	require.False(t, got.Healthy)
	require.Equal(t, "faulted", got.State)
}

func TestPublish_NotConnected(t *testing.T) {
	client := &fakeClient{connected: false}
	p := newPublisherWithClient(client, "climalog", slog.Default())

	require.Error(t, p.PublishBatch(context.Background(), "inside", nil))
	require.Empty(t, client.sent)
}

func TestPublish_TokenError(t *testing.T) {
	client := &fakeClient{connected: true, token: func() mqtt.Token { return newToken(errors.New("not authorized"), true) }}
	p := newPublisherWithClient(client, "climalog", slog.Default())

	err := p.PublishBatch(context.Background(), "inside", nil)
	require.ErrorContains(t, err, "not authorized")
}

func TestPublish_RespectsContext(t *testing.T) {
	client := &fakeClient{connected: true, token: func() mqtt.Token { return newToken(nil, false) }}
	p := newPublisherWithClient(client, "climalog", slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.PublishBatch(ctx, "inside", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisherWithClient(client, "climalog", slog.Default())

	p.Disconnect()
	p.Disconnect()
	require.False(t, p.IsConnected())
	require.ErrorIs(t, p.Connect(context.Background()), ErrStopped)
}

func TestNewPublisher_RequiresBroker(t *testing.T) {
	_, err := NewPublisher(config.Config{}, nil)
	require.Error(t, err)

	p, err := NewPublisher(config.Config{MQTTBroker: "localhost", MQTTPort: 1883, MQTTClientID: "climalog", MQTTTopicPrefix: "climalog"}, nil)
	require.NoError(t, err)
	require.False(t, p.IsConnected())
	require.Equal(t, "climalog/inside/readings", p.topic("inside", "readings"))
}
