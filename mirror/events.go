package mirror

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/vinayprograms/kvmirror/tracked"
)

// EventKind identifies what happened to a mirror.
type EventKind string

const (
	EventSet     EventKind = "set"
	EventDelete  EventKind = "delete"
	EventReset   EventKind = "reset"
	EventSave    EventKind = "save"
	EventHydrate EventKind = "hydrate"
	EventError   EventKind = "error"
)

// Event is one notification from a mirror.
type Event struct {
	Kind EventKind

	// Path locates the changed entry for set and delete; nil otherwise.
	Path []string

	// Root is the mirror's live root.
	Root *tracked.Object

	// Snapshot is the document written (save) or read (hydrate).
	Snapshot []byte

	// Err is set on error events.
	Err error

	Time time.Time
}

// PathString joins Path with dots.
func (e Event) PathString() string {
	return strings.Join(e.Path, ".")
}

// dispatcher moves events from writers to subscribers. Writers append to an
// unbounded FIFO and never block; one goroutine drains it into subscriber
// channels, dropping events for subscribers whose buffer is full.
type dispatcher struct {
	buffer int

	mu     sync.Mutex
	queue  *queue.Queue
	seq    uint64
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
}

// queued is an event with its publication sequence number.
type queued struct {
	seq uint64
	ev  Event
}

// subscriber receives events published from seq from onwards.
type subscriber struct {
	ch   chan Event
	from uint64
}

func newDispatcher(buffer int) *dispatcher {
	d := &dispatcher{
		buffer:  buffer,
		queue:   queue.New(),
		subs:    make(map[uint64]*subscriber),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// publish enqueues ev. It is safe to call with the tree lock held.
func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	d.publishLocked(ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) publishLocked(ev Event) {
	if d.closed {
		return
	}
	d.seq++
	d.queue.Add(queued{seq: d.seq, ev: ev})
}

func (d *dispatcher) subscribe() (<-chan Event, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribeLocked()
}

func (d *dispatcher) subscribeLocked() (<-chan Event, func()) {
	ch := make(chan Event, d.buffer)
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = &subscriber{ch: ch, from: d.seq + 1}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if sub, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.done:
			d.drain()
			d.mu.Lock()
			for id, sub := range d.subs {
				delete(d.subs, id)
				close(sub.ch)
			}
			d.mu.Unlock()
			return
		}
	}
}

// drain delivers queued events. Sends are non-blocking, so holding the lock
// keeps unsubscribe from closing a channel mid-send.
func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if d.queue.Length() == 0 {
			d.mu.Unlock()
			return
		}
		q := d.queue.Remove().(queued)
		for _, sub := range d.subs {
			if q.seq < sub.from {
				continue
			}
			select {
			case sub.ch <- q.ev:
			default:
				d.dropped.Add(1)
			}
		}
		d.mu.Unlock()
	}
}

// close stops accepting events, delivers what is queued and closes every
// subscriber channel.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	<-d.stopped
}
