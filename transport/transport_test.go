package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

type failingCloser struct {
	stubPubSub
	err error
}

func (f *failingCloser) Close() error {
	f.closed++
	return f.err
}

type plainSubscriber struct{ closed int }

func (s *plainSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, nil
}

func (s *plainSubscriber) Close() error {
	s.closed++
	return nil
}

func TestTransportCloseSharedValueOnce(t *testing.T) {
	pubsub := &stubPubSub{}
	assert.NoError(t, Transport{Publisher: pubsub, Subscriber: pubsub}.Close())
	assert.Equal(t, 1, pubsub.closed)
}

func TestTransportCloseBothSides(t *testing.T) {
	pub := &failingCloser{err: errors.New("flush failed")}
	sub := &plainSubscriber{}

	err := Transport{Publisher: pub, Subscriber: sub}.Close()
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransportCloseEmpty(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestInterfaces(t *testing.T) {
	var _ Config = (*stubConfig)(nil)
	var _ CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", testProvider{}.Capabilities().Name)
}
