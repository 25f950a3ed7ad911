package manager

import "sync"

type subscriber struct {
	ch   chan Event
	done chan struct{}
	wg   sync.WaitGroup // in-flight sends
}

// Subscribe returns a channel of state changes and a cancel func that closes
// it. Intermediate events are dropped while the channel is full; terminal
// events block until delivered, cancelled or the manager closes.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, max(buffer, 1)),
		done: make(chan struct{}),
	}
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(sub.done)
			sub.wg.Wait()
			close(sub.ch)
		})
	}
}

// emit runs hooks and fans the change out to subscribers. Callers hold no locks.
func (m *Manager) emit(d *Download) {
	m.refreshGauge()
	ev := Event{Download: *d, Terminal: d.IsTerminal()}

	m.hooksMu.RLock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(*d.clone())
	}

	m.subsMu.Lock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.wg.Add(1)
		targets = append(targets, sub)
	}
	m.subsMu.Unlock()

	for _, sub := range targets {
		m.deliver(sub, ev)
	}
}

func (m *Manager) deliver(sub *subscriber, ev Event) {
	defer sub.wg.Done()
	if !ev.Terminal {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		default:
		}
		return
	}
	select {
	case sub.ch <- ev:
	case <-sub.done:
	case <-m.ctx.Done():
	}
}
