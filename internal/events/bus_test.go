package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(CallTopic("p1"))
	bus.Publish(CallTopic("p1"), Message{Event: EventStartCall, Seq: 1})

	select {
	case msg := <-sub:
		if msg.Event != EventStartCall {
			t.Fatalf("expected %s, got %s", EventStartCall, msg.Event)
		}
		if msg.Topic != "call.p1" {
			t.Fatalf("expected topic call.p1, got %s", msg.Topic)
		}
		if msg.SentAt.IsZero() {
			t.Fatal("expected SentAt to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	other := bus.Subscribe(CallTopic("p2"))
	bus.Publish(CallTopic("p1"), Message{Event: EventEndCall})

	select {
	case msg := <-other:
		t.Fatalf("unexpected cross-topic delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t")
	bus.Unsubscribe("t", sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

// Pairing topics churn constantly in practice: peers unsubscribe while the
// coordinator is still broadcasting pc-disconnect on the same topic. A send
// racing a channel close would panic and take the process down.
func TestBus_PublishDuringUnsubscribeChurn(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const topic = "call.churn"
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(topic, Message{Event: EventPCDisconnect})
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		sub := bus.Subscribe(topic)
		bus.Unsubscribe(topic, sub)
	}

	close(stop)
	wg.Wait()
}

func TestBus_FullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t")
	for i := 0; i < cap(sub)+10; i++ {
		bus.Publish("t", Message{Event: EventEndCall, Seq: uint64(i)})
	}
	// Drain what was buffered; the rest was dropped rather than blocking.
	if len(sub) != cap(sub) {
		t.Fatalf("expected %d buffered messages, got %d", cap(sub), len(sub))
	}
}
