package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// PulseOptions configures the Pulse-backed stream client.
type PulseOptions struct {
	// Redis is the connection backing the streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries kept per customer channel. Zero uses
	// Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add operations. Zero means none.
	OperationTimeout time.Duration
}

// pulseClient adapts goa.design/pulse streams to the Client interface.
type pulseClient struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// NewPulseClient builds a Client over Redis-backed Pulse streams.
func NewPulseClient(opts PulseOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &pulseClient{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *pulseClient) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var options []streamopts.Stream
	if c.maxLen > 0 {
		options = append(options, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, options...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &pulseStream{stream: str, timeout: c.timeout}, nil
}

type pulseStream struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (s *pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}
