package conversation

import (
	"testing"

	"github.com/jkaninda/idhini/internal/action"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()

	ch1, cancel1 := b.Subscribe("conv-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("conv-1")
	defer cancel2()
	other, cancelOther := b.Subscribe("conv-2")
	defer cancelOther()

	b.Publish("conv-1", Event{Type: EventDelta, Content: "hello"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Content != "hello" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("conversation isolation broken: %+v", ev)
	default:
	}
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("conv-1")
	cancel()

	b.Publish("conv-1", Event{Type: EventDelta, Content: "late"})

	select {
	case ev := <-ch:
		t.Fatalf("cancelled subscriber received %+v", ev)
	default:
	}
}

func TestBrokerNeverBlocks(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("conv-1")
	defer cancel()

	// A stalled subscriber loses events past its buffer; Publish must
	// return regardless.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("conv-1", Event{Type: EventDelta, Content: "x"})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberBuffer {
		t.Fatalf("received %d events, want buffer size %d", received, subscriberBuffer)
	}
}

func TestBrokerActionUpdated(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("conv-1")
	defer cancel()

	b.ActionUpdated("conv-1", &action.Proposal{
		ID:        "prop-1",
		State:     action.StateSucceeded,
		Result:    "Updated issue PROJ-42",
		ResultURL: "https://tracker/PROJ-42",
	})

	select {
	case ev := <-ch:
		if ev.Type != EventActionUpdate {
			t.Fatalf("type = %s", ev.Type)
		}
		if ev.ProposalID != "prop-1" || ev.State != action.StateSucceeded {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Result != "Updated issue PROJ-42" || ev.ResultURL != "https://tracker/PROJ-42" {
			t.Fatalf("result fields lost: %+v", ev)
		}
	default:
		t.Fatal("no event delivered")
	}
}
