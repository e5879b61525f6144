package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type handlerEntry[T any] struct {
	id uint64
	fn func(T) error
}

type handlerList[T any] []handlerEntry[T]

// Broker is an in-memory fan-out for the live event stream. Subscriptions
// are scoped to a context and drop out when it ends.
//
// Handlers run on the publisher's goroutine, so they must not block; a
// slow consumer buffers on its own side.
type Broker struct {
	mu     sync.RWMutex
	nextID atomic.Uint64

	jobHandlers    handlerList[JobEvent]
	healthHandlers handlerList[ChannelHealth]
	cycleHandlers  handlerList[PollCycle]
}

func NewBroker() *Broker {
	return &Broker{}
}

// subscribe registers a handler and removes it again when ctx ends.
func subscribe[T any](ctx context.Context, b *Broker, handlers *handlerList[T], handler func(T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	id := b.nextID.Add(1)
	b.mu.Lock()
	*handlers = append(*handlers, handlerEntry[T]{id: id, fn: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range *handlers {
			if h.id == id {
				*handlers = append((*handlers)[:i], (*handlers)[i+1:]...)
				break
			}
		}
	}()

	return nil
}

// publish copies the handler list under the read lock, then runs the
// handlers without it so a handler can subscribe or publish in turn.
// Publishing stops at the first handler error.
func publish[T any](ctx context.Context, b *Broker, handlers *handlerList[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	snapshot := make(handlerList[T], len(*handlers))
	copy(snapshot, *handlers)
	b.mu.RUnlock()

	for _, h := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishJobEvent broadcasts a job event to all subscribed handlers.
func (b *Broker) PublishJobEvent(ctx context.Context, ev JobEvent) error {
	return publish(ctx, b, &b.jobHandlers, ev)
}

// SubscribeJobEvents registers a handler for job events until ctx ends.
func (b *Broker) SubscribeJobEvents(ctx context.Context, handler func(JobEvent) error) error {
	return subscribe(ctx, b, &b.jobHandlers, handler)
}

// PublishChannelHealth broadcasts a channel health flip.
func (b *Broker) PublishChannelHealth(ctx context.Context, ev ChannelHealth) error {
	return publish(ctx, b, &b.healthHandlers, ev)
}

// SubscribeChannelHealth registers a handler for channel health flips.
func (b *Broker) SubscribeChannelHealth(ctx context.Context, handler func(ChannelHealth) error) error {
	return subscribe(ctx, b, &b.healthHandlers, handler)
}

// PublishPollCycle broadcasts a poll cycle summary.
func (b *Broker) PublishPollCycle(ctx context.Context, ev PollCycle) error {
	return publish(ctx, b, &b.cycleHandlers, ev)
}

// SubscribePollCycles registers a handler for poll cycle summaries.
func (b *Broker) SubscribePollCycles(ctx context.Context, handler func(PollCycle) error) error {
	return subscribe(ctx, b, &b.cycleHandlers, handler)
}
