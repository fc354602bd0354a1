package events

import "sync"

// Bus fans out event snapshots to live subscribers, one room per stream.
// Thread-safe. Each room keeps its own history so a late subscriber replays
// everything published to the room, then receives live events.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	history []map[string]any
	clients map[uint64]chan map[string]any
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on room Close, not slow-client drops
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]*room)}
}

func (b *Bus) room(name string) *room {
	rm, ok := b.rooms[name]
	if !ok {
		rm = &room{
			clients: make(map[uint64]chan map[string]any),
			doneCh:  make(chan struct{}),
		}
		b.rooms[name] = rm
	}
	return rm
}

// Publish appends the event to the room history and delivers it to every
// live subscriber. Slow clients are dropped rather than blocking the
// publisher.
func (b *Bus) Publish(roomName string, ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm := b.room(roomName)
	if rm.closed {
		return
	}
	rm.history = append(rm.history, ev)
	for id, ch := range rm.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(rm.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays the room history first, then carries
// live events. The done channel closes only when the room is closed, not
// when this client is dropped for slowness.
func (b *Bus) Subscribe(roomName string) (<-chan map[string]any, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm := b.room(roomName)

	ch := make(chan map[string]any, len(rm.history)+256)
	id := rm.nextID
	rm.nextID++

	// Sized to fit all history plus live headroom, so replay never blocks
	// while holding the mutex.
	for _, ev := range rm.history {
		ch <- ev
	}

	if rm.closed {
		close(ch)
		return ch, rm.doneCh, func() {}
	}

	rm.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := rm.clients[id]; ok {
			delete(rm.clients, id)
			close(ch)
		}
	}
	return ch, rm.doneCh, unsub
}

// CloseRoom signals that the room will receive no more events. All client
// channels close; history remains available for replay via Subscribe.
func (b *Bus) CloseRoom(roomName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[roomName]
	if !ok || rm.closed {
		return
	}
	rm.closed = true
	close(rm.doneCh)
	for id, ch := range rm.clients {
		close(ch)
		delete(rm.clients, id)
	}
}

// History returns a copy of the room's events so far.
func (b *Bus) History(roomName string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(rm.history))
	copy(out, rm.history)
	return out
}
