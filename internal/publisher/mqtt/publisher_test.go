package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done    bool
	err     error
	timeout time.Duration
}

func (t *fakeToken) Wait() bool { return t.done }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	t.timeout = d
	return t.done
}

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	token        *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return c.token
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{token: &fakeToken{done: true}}
	p := newWithClient(fc, Config{QoS: 1})

	_, err := p.Publish(context.Background(), "scrolldepth/scrollDepthReached", map[string]float64{"percentage": 75})
	require.NoError(t, err)
	require.Len(t, fc.messages, 1)
	require.Equal(t, "scrolldepth/scrollDepthReached", fc.messages[0].topic)
	require.Equal(t, byte(1), fc.messages[0].qos)
	require.JSONEq(t, `{"percentage":75}`, string(fc.messages[0].payload))
}

func TestPublishTimeoutAndError(t *testing.T) {
	t.Parallel()

	p := newWithClient(&fakeClient{token: &fakeToken{done: false}}, Config{})
	_, err := p.Publish(context.Background(), "t", 1)
	require.ErrorContains(t, err, "timeout")

	boom := errors.New("not connected")
	p = newWithClient(&fakeClient{token: &fakeToken{done: true, err: boom}}, Config{})
	_, err = p.Publish(context.Background(), "t", 1)
	require.ErrorIs(t, err, boom)

	_, err = p.Publish(context.Background(), "", 1)
	require.Error(t, err)
}

func TestPublishHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	tok := &fakeToken{done: true}
	p := newWithClient(&fakeClient{token: tok}, Config{PublishTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.Publish(ctx, "t", 1)
	require.NoError(t, err)
	require.LessOrEqual(t, tok.timeout, time.Second)
}

func TestQoSClampedAndClose(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{token: &fakeToken{done: true}}
	p := newWithClient(fc, Config{QoS: 9})
	require.Equal(t, byte(2), p.qos)
	require.NoError(t, p.Close(context.Background()))
	require.True(t, fc.disconnected)
}

func TestNewRequiresBroker(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
