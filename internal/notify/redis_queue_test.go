package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"streamrelay/internal/testsupport/redisstub"
)

func startStubQueue(t *testing.T, buffer int) Queue {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-stream",
		Group:        "test-group",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       buffer,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return queue
}

func TestRedisQueueRoundTrip(t *testing.T) {
	queue := startStubQueue(t, 4)
	sub := queue.Subscribe()
	defer sub.Close()

	event := Event{UserID: 42, Title: "evening show", Text: "done", OccurredAt: time.Now().UTC().Truncate(time.Millisecond)}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.UserID != 42 || got.Title != "evening show" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestRedisQueueCloseDuringBlockedDelivery(t *testing.T) {
	queue := startStubQueue(t, 1)
	sub := queue.Subscribe()

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := queue.Publish(ctx, Event{UserID: i, Title: "burst"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Let the consumer fill the buffer and park on the next hand-off, then
	// close from several goroutines at once. The channel must close cleanly
	// with no send after closure.
	time.Sleep(200 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("events channel never closed")
		}
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	queue := startStubQueue(t, 1)
	sub := queue.Subscribe()

	ctx := context.Background()
	if err := queue.Publish(ctx, Event{UserID: 1, Title: "buffer-fill"}); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	if err := queue.Publish(ctx, Event{UserID: 2, Title: "needs-requeue"}); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	// Give the consumer time to buffer the first event and block handing
	// off the second.
	time.Sleep(200 * time.Millisecond)
	sub.Close()

	var drained []Event
	for evt := range sub.Events() {
		drained = append(drained, evt)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained event, got %d", len(drained))
	}
	if drained[0].UserID != 1 {
		t.Fatalf("unexpected drained event %+v", drained[0])
	}

	replacement := queue.Subscribe()
	defer replacement.Close()
	select {
	case got := <-replacement.Events():
		if got.UserID != 2 {
			t.Fatalf("expected requeued event, got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("requeued event never redelivered")
	}
}
