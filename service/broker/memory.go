package broker

import (
	"context"
	"sync"

	"PPChat/tools/errs"
)

// DefaultRetention bounds how many records a memory topic keeps.
const DefaultRetention = 10000

// Memory is an in-process Broker for single-node deployments and tests.
// Each group reads a topic from its oldest retained record; records are
// handed out once per group and never redelivered.
type Memory struct {
	mu        sync.Mutex
	topics    map[string]*memTopic
	retention int
	closed    bool
}

type memTopic struct {
	mu     sync.Mutex
	cond   *sync.Cond
	base   int // absolute offset of log[0]
	log    []Message
	groups map[string]*int
	closed bool
}

func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{topics: make(map[string]*memTopic), retention: retention}
}

func (m *Memory) topic(name string) (*memTopic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New("memory broker closed")
	}
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*int)}
		t.cond = sync.NewCond(&t.mu)
		m.topics[name] = t
	}
	return t, nil
}

func (m *Memory) Declare(_ context.Context, topics ...string) error {
	for _, name := range topics {
		if _, err := m.topic(name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := m.topic(msg.Topic)
	if err != nil {
		return err
	}
	msg.Data = append([]byte(nil), msg.Data...)
	t.mu.Lock()
	t.log = append(t.log, msg)
	if over := len(t.log) - m.retention; over > 0 {
		t.log = append([]Message(nil), t.log[over:]...)
		t.base += over
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// Consume blocks until ctx is cancelled or the broker is closed. Handler
// errors are ignored: there is no redelivery.
func (m *Memory) Consume(ctx context.Context, topic, group string, h Handler) error {
	t, err := m.topic(topic)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	next, ok := t.groups[group]
	if !ok {
		next = new(int)
		*next = t.base
		t.groups[group] = next
	}
	t.mu.Unlock()

	for {
		t.mu.Lock()
		for *next >= t.base+len(t.log) && ctx.Err() == nil && !t.closed {
			t.cond.Wait()
		}
		if ctx.Err() != nil || t.closed {
			t.mu.Unlock()
			return nil
		}
		if *next < t.base {
			*next = t.base
		}
		msg := t.log[*next-t.base]
		*next++
		t.mu.Unlock()

		_ = h(ctx, msg)
	}
}

// Close wakes every consumer and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		t.mu.Lock()
		t.closed = true
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	return nil
}
