package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/itsbrex/julep/stream"
)

type fakeClient struct {
	streamName string
	stream     *fakeStream
	err        error
	closed     bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (Stream, error) {
	f.streamName = name
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeStream struct {
	event   string
	payload []byte
	err     error
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.event = event
	f.payload = payload
	return "1-0", f.err
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (ReadSink, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func TestPublish(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(SinkOptions{Client: cli})
	require.NoError(t, err)

	event := stream.Event{
		ExecutionID: "exec-123",
		Type:        "step",
		Seq:         7,
		Output:      json.RawMessage(`{"answer":42}`),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, sink.Publish(context.Background(), event))
	require.Equal(t, "execution/exec-123", cli.streamName)
	require.Equal(t, "step", cli.stream.event)

	var got stream.Event
	require.NoError(t, json.Unmarshal(cli.stream.payload, &got))
	require.Equal(t, int64(7), got.Seq)
	require.JSONEq(t, `{"answer":42}`, string(got.Output))
}

func TestPublishMissingExecutionID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(SinkOptions{Client: cli})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), stream.Event{Type: "step"})
	require.Error(t, err)
}

func TestPublishCustomStreamID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(SinkOptions{
		Client: cli,
		StreamID: func(ev stream.Event) (string, error) {
			return "custom/" + ev.ExecutionID, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), stream.Event{ExecutionID: "e1", Type: "init"}))
	require.Equal(t, "custom/e1", cli.streamName)
}

func TestClose(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(SinkOptions{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}
