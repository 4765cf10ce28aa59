package firehose

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// publishTimeout bounds how long publish waits for a single slow
// subscriber before giving up on it, so a stalled SSE client can't wedge
// the dispatcher's event loop behind an unbounded channel send.
const publishTimeout = 5 * time.Second

// errBusClosed is returned by publish and subscribe once close has run.
var errBusClosed = fmt.Errorf("firehose: bus closed")

// Message is one delivery from a bus subscription, tagged with the topic
// it arrived on.
type Message[T any] struct {
	Topic     string
	Payload   T
	Timestamp time.Time
}

// bus is an in-memory, topic-keyed fan-out adapted from the teacher's
// generic pubsub.PubSub[T] for firehose's narrower job: the firehose is
// dispatchd's authoritative event log, not a best-effort notification
// channel, so every event published to a topic must reach every current
// subscriber in the order it was published. publish therefore blocks on a
// full subscriber channel (up to publishTimeout) instead of silently
// dropping the message the way the teacher's non-blocking select/default
// send does.
type bus[T any] struct {
	mu     sync.RWMutex
	topics map[string]*busTopic[T]

	bufferSize int
	closed     bool
}

type busTopic[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan Message[T]
}

func newBus[T any](bufferSize int) *bus[T] {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &bus[T]{topics: make(map[string]*busTopic[T]), bufferSize: bufferSize}
}

func (b *bus[T]) getOrCreateTopic(name string) *busTopic[T] {
	b.mu.RLock()
	if t, ok := b.topics[name]; ok {
		b.mu.RUnlock()
		return t
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &busTopic[T]{subscribers: make(map[string]chan Message[T])}
	b.topics[name] = t
	return t
}

// publish delivers payload to every current subscriber of topicName, one
// at a time; the order across subscribers is not defined, but each
// subscriber receives events in publish order. A subscriber that hasn't drained its
// channel within publishTimeout aborts the publish with an error rather
// than skipping that subscriber, since a skipped event would break the
// in-order, complete delivery the firehose promises.
func (b *bus[T]) publish(ctx context.Context, topicName string, payload T) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return errBusClosed
	}

	t := b.getOrCreateTopic(topicName)
	msg := Message[T]{Topic: topicName, Payload: payload, Timestamp: time.Now()}

	t.mu.Lock()
	subs := make([]chan Message[T], 0, len(t.subscribers))
	for _, ch := range t.subscribers {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-deadline.Done():
			return fmt.Errorf("firehose: subscriber on topic %q did not drain in time: %w", topicName, deadline.Err())
		}
	}
	return nil
}

// subscribe opens a subscription to topicName. The returned channel is
// closed, and the subscription removed, once ctx is done or the returned
// cancel func is called.
func (b *bus[T]) subscribe(ctx context.Context, topicName string) (<-chan Message[T], func(), error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, nil, errBusClosed
	}

	t := b.getOrCreateTopic(topicName)
	id := fmt.Sprintf("%s-%d", topicName, time.Now().UnixNano())
	ch := make(chan Message[T], b.bufferSize)

	t.mu.Lock()
	t.subscribers[id] = ch
	t.mu.Unlock()

	subCtx, cancelCtx := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			t.mu.Lock()
			if _, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(ch)
			}
			t.mu.Unlock()
		})
	}
	go func() {
		<-subCtx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

// close shuts the bus down, disconnecting every subscriber.
func (b *bus[T]) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for name, t := range b.topics {
		t.mu.Lock()
		for id, ch := range t.subscribers {
			delete(t.subscribers, id)
			close(ch)
		}
		t.mu.Unlock()
		delete(b.topics, name)
	}
	return nil
}
