package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	events   []string
	payloads [][]byte
	err      error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return "1-0", nil
}

type fakeClient struct {
	streams map[string]*fakeStream
	err     error
}

func (c *fakeClient) Stream(name string) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.streams == nil {
		c.streams = make(map[string]*fakeStream)
	}
	if _, ok := c.streams[name]; !ok {
		c.streams[name] = &fakeStream{}
	}
	return c.streams[name], nil
}

func TestPublishRoutesToCustomerChannel(t *testing.T) {
	client := &fakeClient{}
	pub, err := New(client)
	require.NoError(t, err)

	customer := uuid.NewString()
	pub.Publish(context.Background(), Update{
		TaskID:     "t1",
		CustomerID: customer,
		Status:     "in_progress",
		Phase:      "routing",
		Message:    "Starting task analysis",
	})

	stream := client.streams[Channel(customer)]
	require.NotNil(t, stream)
	require.Equal(t, []string{EventTaskUpdate}, stream.events)

	var got Update
	require.NoError(t, json.Unmarshal(stream.payloads[0], &got))
	require.Equal(t, "t1", got.TaskID)
	require.Equal(t, "in_progress", got.Status)
	require.False(t, got.Timestamp.IsZero())
}

func TestPublishSwallowsFailures(t *testing.T) {
	pub, err := New(&fakeClient{err: errors.New("redis down")})
	require.NoError(t, err)
	// Must not panic or surface the error.
	pub.Publish(context.Background(), Update{TaskID: "t1", CustomerID: uuid.NewString()})

	client := &fakeClient{streams: map[string]*fakeStream{}}
	pub2, err := New(client)
	require.NoError(t, err)
	customer := uuid.NewString()
	client.streams[Channel(customer)] = &fakeStream{err: errors.New("stream full")}
	pub2.Publish(context.Background(), Update{TaskID: "t2", CustomerID: customer})
}

func TestChannelName(t *testing.T) {
	require.Equal(t, "customer:c1:tasks", Channel("c1"))
}
