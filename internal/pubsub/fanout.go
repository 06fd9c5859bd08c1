package pubsub

import (
	"errors"
	"sync"
)

// errClosed is returned by Subscribe once the pub/sub has been closed
var errClosed = errors.New("pub/sub is closed")

// fanout is the in-process side of every backend: it owns the subscription
// channels and hands each message to the ones registered for its channel.
//
// Sends happen under the read lock and closes under the write lock, so a
// subscription channel is never written after it has been closed.
type fanout struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Message
	nextID uint64
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[uint64]chan Message)}
}

// add registers a subscription on channel and returns its id
func (f *fanout) add(channel string) (uint64, chan Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, nil, errClosed
	}
	f.nextID++
	ch := make(chan Message, subscriberBuffer)
	if f.subs[channel] == nil {
		f.subs[channel] = make(map[uint64]chan Message)
	}
	f.subs[channel][f.nextID] = ch
	return f.nextID, ch, nil
}

// remove closes and forgets one subscription. Unknown ids are ignored.
func (f *fanout) remove(channel string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[channel][id]
	if !ok {
		return
	}
	delete(f.subs[channel], id)
	if len(f.subs[channel]) == 0 {
		delete(f.subs, channel)
	}
	close(ch)
}

// deliver offers msg to every subscription on its channel and returns how
// many were full. A full subscription loses the new message, not old ones.
func (f *fanout) deliver(msg Message) (dropped int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subs[msg.Channel] {
		if !offer(ch, msg) {
			dropped++
		}
	}
	return dropped
}

// deliverTo offers msg to a single subscription
func (f *fanout) deliverTo(channel string, id uint64, msg Message) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ch, ok := f.subs[channel][id]
	return ok && offer(ch, msg)
}

func offer(ch chan Message, msg Message) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// channels lists the channel names with at least one subscription
func (f *fanout) channels() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.subs))
	for name := range f.subs {
		names = append(names, name)
	}
	return names
}

// size is the number of channels with subscriptions
func (f *fanout) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// shutdown closes every subscription and refuses new ones
func (f *fanout) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for name, byID := range f.subs {
		for _, ch := range byID {
			close(ch)
		}
		delete(f.subs, name)
	}
}
