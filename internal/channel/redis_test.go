package channel

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisSub_PumpExitsWhenClosedWithFullBuffer(t *testing.T) {
	in := make(chan *redis.Message)
	sub := &redisSub{ch: make(chan []byte, 1), done: make(chan struct{})}

	exited := make(chan struct{})
	go func() {
		sub.pump(in)
		close(exited)
	}()

	// Fill the buffer with nobody reading, then one more so the pump parks
	// on the send.
	in <- &redis.Message{Payload: "one"}
	in <- &redis.Message{Payload: "two"}

	close(sub.done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("pump goroutine leaked after the subscription closed")
	}
}

func TestRedisSub_PumpClosesDataOnConnectionLoss(t *testing.T) {
	in := make(chan *redis.Message)
	sub := &redisSub{ch: make(chan []byte, 4), done: make(chan struct{})}

	go sub.pump(in)

	in <- &redis.Message{Payload: "one"}
	close(in)

	// Connection loss surfaces as a closed data channel after the buffered
	// payloads drain, which is what drives the adapter's resubscribe.
	if got := string(<-sub.Data()); got != "one" {
		t.Fatalf("unexpected payload %q", got)
	}
	select {
	case _, ok := <-sub.Data():
		if ok {
			t.Fatal("expected the data channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("data channel not closed after the driver channel ended")
	}
}
