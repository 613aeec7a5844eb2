package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

type runNote struct {
	RunID string
	Step  string
}

func TestSubscribeAndPublish(t *testing.T) {
	broker := NewBroker[runNote]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish(Started, runNote{RunID: "run-1"})

	select {
	case evt := <-ch:
		if evt.Type != Started {
			t.Errorf("expected event type Started, got %s", evt.Type)
		}
		if evt.Payload.RunID != "run-1" {
			t.Errorf("expected run-1, got %q", evt.Payload.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	if n := broker.Subscribers(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	broker.Publish(Completed, 42)

	for _, ch := range []<-chan Event[int]{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Payload != 42 {
				t.Errorf("expected payload 42, got %d", evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	ctx, cancel := context.WithCancel(context.Background())

	ch := broker.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	if n := broker.Subscribers(); n != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", n)
	}
}

func TestSlowSubscriberDrop(t *testing.T) {
	broker := NewBroker[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	for i := 0; i < subscriberBufferSize+10; i++ {
		broker.Publish(Queued, i)
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != subscriberBufferSize {
				t.Errorf("expected %d events (buffer size), got %d", subscriberBufferSize, count)
			}
			return
		}
	}
}

func TestLifecycleOrder(t *testing.T) {
	broker := NewBroker[string]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	sequence := []EventType{Queued, Started, Failed}
	for _, typ := range sequence {
		broker.Publish(typ, "run-9")
	}

	for _, want := range sequence {
		select {
		case evt := <-ch:
			if evt.Type != want {
				t.Errorf("expected %s, got %s", want, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestTerminal(t *testing.T) {
	tests := map[EventType]bool{
		Queued:      false,
		Started:     false,
		Interrupted: false,
		Completed:   true,
		Failed:      true,
	}
	for typ, want := range tests {
		if got := typ.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", typ, got, want)
		}
	}
}

func TestConcurrentPublishersAndSubscribers(t *testing.T) {
	broker := NewBroker[int]()

	const numPublishers = 10
	const numSubscribers = 10
	const eventsPerPublisher = 100

	ctx, cancel := context.WithCancel(context.Background())

	counts := make(chan int, numSubscribers)
	ready := make(chan struct{}, numSubscribers)

	for i := 0; i < numSubscribers; i++ {
		go func() {
			ch := broker.Subscribe(ctx)
			ready <- struct{}{}
			n := 0
			for range ch {
				n++
			}
			counts <- n
		}()
	}
	for i := 0; i < numSubscribers; i++ {
		<-ready
	}

	var wg sync.WaitGroup
	for i := 0; i < numPublishers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				broker.Publish(Started, id*1000+j)
			}
		}(i)
	}
	wg.Wait()
	cancel()

	total := 0
	for i := 0; i < numSubscribers; i++ {
		select {
		case n := <-counts:
			if n > numPublishers*eventsPerPublisher {
				t.Errorf("subscriber received more events than published: %d", n)
			}
			total += n
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for subscribers")
		}
	}
	if total == 0 {
		t.Error("expected subscribers to receive events")
	}
}
