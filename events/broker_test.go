package events

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker(100)
	ch, history, unsub := broker.Subscribe(Topic("0102030405060708"))
	defer unsub()

	if len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}

	broker.Publish(Event{DevEUI: "0102030405060708", Type: TxDone})

	select {
	case ev := <-ch:
		if ev.Type != TxDone {
			t.Errorf("expected TxDone event, got %s", ev.Type)
		}
		if ev.ID == "" {
			t.Error("expected auto-generated ID")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBrokerHistory(t *testing.T) {
	broker := NewBroker(100)

	broker.Publish(Event{DevEUI: "aabbccdd", Type: Connected})
	broker.Publish(Event{DevEUI: "aabbccdd", Type: TxDone})

	_, history, unsub := broker.Subscribe(Topic("aabbccdd"))
	defer unsub()

	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
}

func TestBrokerErrorsTopic(t *testing.T) {
	broker := NewBroker(10)
	ch, _, unsub := broker.Subscribe(ErrorsTopic)
	defer unsub()

	broker.Publish(Event{DevEUI: "x", Type: Error, Extra: map[string]string{"error": "boom"}})

	select {
	case ev := <-ch:
		if ev.Type != Error {
			t.Errorf("expected error event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error event")
	}
}
