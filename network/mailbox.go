package network

import "sync"

type noticeKind int

const (
	noticeMessage noticeKind = iota
	noticeConnected
	noticeDisconnected
)

type notice struct {
	kind noticeKind
	data []byte
}

// mailbox delivers notices one at a time, in order, on its own goroutine.
// Messages wait until a handler is set; connectivity notices do not.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []notice
	handler func([]byte)
	opts    Options
	closed  bool
	done    chan struct{}
}

func newMailbox(opts Options) *mailbox {
	m := &mailbox{opts: opts, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(n notice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, n)
	m.cond.Signal()
}

func (m *mailbox) setHandler(h func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.cond.Signal()
	m.mu.Unlock()
	<-m.done
}

// ready reports whether the head of the queue can be delivered. m.mu must be held.
func (m *mailbox) ready() bool {
	if len(m.queue) == 0 {
		return false
	}
	return m.queue[0].kind != noticeMessage || m.handler != nil
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for !m.closed && !m.ready() {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		handler := m.handler
		m.mu.Unlock()

		switch next.kind {
		case noticeMessage:
			handler(next.data)
		case noticeConnected:
			m.opts.connected()
		case noticeDisconnected:
			m.opts.disconnected()
		}
	}
}
