package interaction

import (
	"errors"
	"sync"
	"time"

	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// Tracker errors.
var (
	ErrCommandTimeout   = errors.New("command timeout")
	ErrCommandInFlight  = errors.New("command already in flight")
	ErrTrackerClosed    = errors.New("tracker closed")
	ErrConnectionClosed = errors.New("connection closed")
)

// DefaultCommandTimeout is the deadline applied to commands when the
// caller does not supply one.
const DefaultCommandTimeout = 10 * time.Second

// Result delivers the outcome of a tracked command: either the decoded
// device response or a terminal error.
type Result struct {
	Decoded wire.Decoded
	Err     error
}

// pending is one outstanding command awaiting its response.
type pending struct {
	id     string
	family string
	ch     chan Result
	timer  *time.Timer
}

// Tracker correlates command responses. Commands with a correlation ID
// (storage messageId) resolve by ID; commands without one (charger)
// resolve by topic family, with at most one in flight per family.
//
// Pending commands deliberately survive connection loss; reconnect
// logic retries the link, and a response arriving on the new session
// still resolves the command if the deadline has not passed.
type Tracker struct {
	mu sync.Mutex

	timeout time.Duration

	byID     map[string]*pending
	byFamily map[string]*pending

	closed bool

	device string
	logger log.Logger
}

// NewTracker creates a tracker with the given default deadline.
// A non-positive timeout takes DefaultCommandTimeout.
func NewTracker(timeout time.Duration, device string, logger log.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Tracker{
		timeout:  timeout,
		byID:     make(map[string]*pending),
		byFamily: make(map[string]*pending),
		device:   device,
		logger:   log.OrNoop(logger),
	}
}

// Issue registers a command and returns the channel its Result will be
// delivered on. Exactly one Result is ever sent.
//
// id is the correlation ID ("" for charger commands). family is the
// correlation fallback key, typically the response topic; issuing a
// second command on a family that already has one pending returns
// ErrCommandInFlight.
func (t *Tracker) Issue(id, family string) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}
	if id != "" {
		if _, ok := t.byID[id]; ok {
			return nil, ErrCommandInFlight
		}
	}
	if family != "" {
		if _, ok := t.byFamily[family]; ok {
			return nil, ErrCommandInFlight
		}
	}

	p := &pending{
		id:     id,
		family: family,
		ch:     make(chan Result, 1),
	}
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(p) })

	if id != "" {
		t.byID[id] = p
	}
	if family != "" {
		t.byFamily[family] = p
	}
	return p.ch, nil
}

// Resolve completes the pending command with the given correlation ID.
// It returns false when nothing matches, which includes responses
// arriving after their deadline; the caller drops those.
func (t *Tracker) Resolve(id string, decoded wire.Decoded) bool {
	t.mu.Lock()
	p, ok := t.byID[id]
	if ok {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	if !ok {
		t.logDiscard(id)
		return false
	}
	p.ch <- Result{Decoded: decoded}
	return true
}

// ResolveFamily completes the pending command on the given family.
// Returns false when the family has nothing pending.
func (t *Tracker) ResolveFamily(family string, decoded wire.Decoded) bool {
	t.mu.Lock()
	p, ok := t.byFamily[family]
	if ok {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- Result{Decoded: decoded}
	return true
}

// Fail completes a pending command with an error instead of a
// response. Used when the send following Issue fails. Matching tries
// the correlation ID first, then the family. Returns false when
// nothing matches.
func (t *Tracker) Fail(id, family string, err error) bool {
	t.mu.Lock()
	p, ok := t.byID[id]
	if id == "" || !ok {
		p, ok = t.byFamily[family]
	}
	if ok {
		t.removeLocked(p)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- Result{Err: err}
	return true
}

// Pending returns the number of outstanding commands.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.byID)
	for _, p := range t.byFamily {
		if p.id == "" {
			n++
		}
	}
	return n
}

// Close fails every outstanding command with ErrConnectionClosed and
// rejects further Issue calls. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true

	var all []*pending
	seen := make(map[*pending]bool)
	for _, p := range t.byID {
		if !seen[p] {
			seen[p] = true
			all = append(all, p)
		}
	}
	for _, p := range t.byFamily {
		if !seen[p] {
			seen[p] = true
			all = append(all, p)
		}
	}
	t.byID = make(map[string]*pending)
	t.byFamily = make(map[string]*pending)
	t.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- Result{Err: ErrConnectionClosed}
	}
}

// expire fails a command whose deadline passed. A response arriving
// later finds no pending entry and is discarded.
func (t *Tracker) expire(p *pending) {
	t.mu.Lock()
	registered := (p.id != "" && t.byID[p.id] == p) ||
		(p.family != "" && t.byFamily[p.family] == p)
	if !registered {
		// Already resolved.
		t.mu.Unlock()
		return
	}
	t.removeLocked(p)
	t.mu.Unlock()

	p.ch <- Result{Err: ErrCommandTimeout}
}

// removeLocked unregisters a pending command. Caller holds t.mu.
func (t *Tracker) removeLocked(p *pending) {
	p.timer.Stop()
	if p.id != "" {
		delete(t.byID, p.id)
	}
	if p.family != "" {
		delete(t.byFamily, p.family)
	}
}

// logDiscard records a response that matched no pending command.
// Routine traffic: periodic poll responses carry ids the tracker never
// issued, so this logs at message category rather than as an error.
func (t *Tracker) logDiscard(id string) {
	t.logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    t.device,
		Direction: log.DirectionIn,
		Layer:     log.LayerTracker,
		Category:  log.CategoryMessage,
		Error: &log.ErrorEventData{
			Message: "response with no pending command",
			Context: id,
		},
	})
}
