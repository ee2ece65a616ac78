// Package dispatcher delivers CloudEvents to webhooks in the background so
// that a slow or failing receiver never stalls the engine chain.
package dispatcher

import (
	"context"
	"errors"

	"jobchain/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event. It never blocks.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued until ctx
	// expires.
	Close(ctx context.Context) error
}

// Event is a CloudEvent addressed to a webhook.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty disables signing

	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events accepted
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped on full buffer, max requeues, or shutdown
	Requeued     int64 // deferred while a breaker was open
	RetriesTotal int64 // retry attempts
	BreakersOpen int   // destinations currently blocked
}

// Nop discards every event. It is used when no webhook is configured.
type Nop struct{}

func (Nop) Dispatch(*Event) error { return nil }

func (Nop) Stats() Stats { return Stats{} }

func (Nop) Close(context.Context) error { return nil }

var _ Dispatcher = Nop{}
