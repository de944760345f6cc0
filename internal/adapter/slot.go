package adapter

import (
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

var ErrSlotBusy = errors.New("context slot already holds a batch")

// Binding is what one execution hands to the table function: the batch to
// scan and the converter settings for this invocation.
type Binding struct {
	Record  arrow.Record
	Options CursorOptions
}

// Slot carries the batch of the current invocation into the engine's scan
// callback, which has no argument channel of its own. A slot belongs to one
// session and goes through one bind/release cycle per invocation.
type Slot struct {
	mu      sync.Mutex
	binding *Binding
	cycles  uint64
	loads   uint64
}

func NewSlot() *Slot { return &Slot{} }

// Bind stores b until the returned release func is called. The record is
// retained for the duration of the cycle. Release is idempotent.
func (s *Slot) Bind(b Binding) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding != nil {
		return nil, ErrSlotBusy
	}
	if b.Record != nil {
		b.Record.Retain()
	}
	bound := b
	s.binding = &bound
	s.cycles++

	var once sync.Once
	return func() {
		once.Do(func() { s.release(&bound) })
	}, nil
}

func (s *Slot) release(b *Binding) {
	s.mu.Lock()
	if s.binding == b {
		s.binding = nil
	}
	s.mu.Unlock()
	if b.Record != nil {
		b.Record.Release()
	}
}

// Load returns the current binding. ok is false when nothing is bound, as
// during schema discovery.
func (s *Slot) Load() (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return Binding{}, false
	}
	s.loads++
	return *s.binding, true
}

func (s *Slot) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding == nil
}

// Stats reports completed bind cycles and binding reads.
func (s *Slot) Stats() (cycles, loads uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles, s.loads
}
