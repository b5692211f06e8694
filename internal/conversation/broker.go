package conversation

import (
	"sync"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/approval"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events; reconstruction via the
// proposal listing endpoint recovers anything missed.
const subscriberBuffer = 64

// Broker fans conversation events out to live subscribers. Both the
// streaming request path and the decision endpoints publish through it,
// which is how an approve landing mid-stream surfaces on the still-open
// stream of the same conversation.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for one conversation. The returned
// cancel function must be called when the listener goes away.
func (b *Broker) Subscribe(conversationID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[chan Event]struct{})
	}
	b.subs[conversationID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[conversationID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, conversationID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the conversation.
// Sends never block: a full subscriber buffer drops the event.
func (b *Broker) Publish(conversationID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[conversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ActionUpdated publishes a proposal state change as an action_update
// event. It is the approval manager's live-update sink.
func (b *Broker) ActionUpdated(conversationID string, p *action.Proposal) {
	b.Publish(conversationID, Event{
		Type:       EventActionUpdate,
		ProposalID: p.ID,
		State:      p.State,
		Result:     p.Result,
		ResultURL:  p.ResultURL,
		Error:      p.Error,
	})
}

var _ approval.Events = (*Broker)(nil)
