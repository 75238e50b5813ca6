package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/itsbrex/julep/stream"
)

type (
	// SinkOptions configures the Pulse-backed stream sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client Client
		// StreamID derives the target stream from an event. Defaults to
		// "execution/<ExecutionID>".
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes execution events into Pulse streams. Safe for
	// concurrent Publish calls.
	Sink struct {
		client   Client
		streamID func(stream.Event) (string, error)
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Publish implements stream.Sink. It derives the stream ID, marshals the
// event, and publishes it via the Pulse client.
func (s *Sink) Publish(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := handle.Add(ctx, event.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.ExecutionID == "" {
		return "", errors.New("stream event missing execution id")
	}
	return fmt.Sprintf("execution/%s", event.ExecutionID), nil
}
