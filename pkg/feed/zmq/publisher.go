// Package zmq publishes feed frames on a ZeroMQ PUB socket as two-part
// messages: the topic, then the JSON envelope. Subscribers filter by topic
// prefix.
package zmq

import (
	"fmt"
	"sync"

	"github.com/luxfi/log"
	zmq "github.com/pebbe/zmq4"
)

// Publisher wraps a bound PUB socket. Sockets are not goroutine safe, so
// sends are serialized.
type Publisher struct {
	mu     sync.Mutex
	socket *zmq.Socket
	logger log.Logger
	closed bool

	onSend func()
}

type Option func(*Publisher)

// WithSendHook calls fn after every frame sent.
func WithSendHook(fn func()) Option {
	return func(p *Publisher) { p.onSend = fn }
}

// NewPublisher binds a PUB socket to endpoint, e.g. "tcp://*:5556".
func NewPublisher(endpoint string, logger log.Logger, opts ...Option) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind PUB socket: %w", err)
	}

	p := &Publisher{socket: socket, logger: logger.New("module", "zmq")}
	for _, opt := range opts {
		opt(p)
	}
	p.logger.Info("ZMQ feed publisher bound", "endpoint", endpoint)
	return p, nil
}

// Publish sends one frame without blocking on slow subscribers.
func (p *Publisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}

	if _, err := p.socket.Send(topic, zmq.SNDMORE|zmq.DONTWAIT); err != nil {
		return err
	}
	if _, err := p.socket.SendBytes(body, zmq.DONTWAIT); err != nil {
		return err
	}
	if p.onSend != nil {
		p.onSend()
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.socket.Close()
}
