package pipeline

import (
	"context"
	"time"
)

// RunStream processes a question on its own goroutine and streams progress
// events. The channel is closed after the final event; the final event
// carries the answer (or the error) and the session id.
func (o *Orchestrator) RunStream(ctx context.Context, input string) <-chan ProgressEvent {
	events := make(chan ProgressEvent, o.streamBuffer)

	go func() {
		defer close(events)

		emit := func(ev ProgressEvent) {
			ev.Timestamp = time.Now().UTC()
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		answer, sess, err := o.Run(ctx, input, func(stage, message string) {
			emit(ProgressEvent{Type: EventStage, Stage: stage, Message: message})
		})

		final := ProgressEvent{
			Type:    EventComplete,
			Answer:  answer,
			IsFinal: true,
		}
		if sess != nil {
			final.SessionID = sess.SessionID
		}
		if err != nil {
			final.Type = EventError
			final.Error = err.Error()
		}
		emit(final)
	}()

	return events
}
