package coordinator

import (
	"sync"

	"github.com/PuuuTao/eway-go/pkg/model"
)

// subscriptionBuffer is the per-subscriber channel depth. A consumer
// that falls further behind loses the oldest snapshots, never the
// newest.
const subscriptionBuffer = 16

// Subscription is one consumer's stream of state snapshots. The
// current snapshot is delivered on creation; every merge after that
// delivers a fresh clone. The channel closes on Cancel or when the
// device disconnects.
type Subscription struct {
	id      uint64
	session *session

	mu     sync.Mutex
	ch     chan *model.State
	closed bool
}

func newSubscription(id uint64, sess *session) *Subscription {
	return &Subscription{
		id:      id,
		session: sess,
		ch:      make(chan *model.State, subscriptionBuffer),
	}
}

// Updates returns the snapshot channel.
func (s *Subscription) Updates() <-chan *model.State {
	return s.ch
}

// Cancel detaches the subscription and closes its channel.
// Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.session.unsubscribe(s.id)
}

// deliver queues a snapshot without ever blocking the merge path:
// when the buffer is full, the oldest queued snapshot is dropped.
func (s *Subscription) deliver(snap *model.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
				// Dropped the oldest; retry.
			default:
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
