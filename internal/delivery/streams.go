// ABOUTME: Bounded per-dialog replay buffers for stream resumption by last event id
// ABOUTME: Each dialog keeps a fixed ring; least recently used dialogs are evicted past a cap

package delivery

import (
	"container/list"
	"sync"

	"github.com/2389/switchboard/internal/events"
)

// Streams holds recent events per dialog for Last-Event-ID replay.
type Streams struct {
	mu         sync.Mutex
	perDialog  int
	maxDialogs int
	order      *list.List // front = least recently used
	rings      map[string]*list.Element
}

type ring struct {
	dialogID string
	buf      []events.Event
	start    int
	n        int
}

func (r *ring) push(ev events.Event) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) at(i int) events.Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

// NewStreams creates replay storage keeping perDialog events for at most
// maxDialogs dialogs.
func NewStreams(perDialog, maxDialogs int) *Streams {
	if perDialog <= 0 {
		perDialog = 128
	}
	if maxDialogs <= 0 {
		maxDialogs = 10_000
	}
	return &Streams{
		perDialog:  perDialog,
		maxDialogs: maxDialogs,
		order:      list.New(),
		rings:      make(map[string]*list.Element),
	}
}

// Append records an event. Events without an id cannot be resumed from and
// are skipped.
func (s *Streams) Append(ev events.Event) {
	if ev.ID == "" || ev.DialogID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.rings[ev.DialogID]
	if ok {
		s.order.MoveToBack(elem)
	} else {
		for s.order.Len() >= s.maxDialogs {
			oldest := s.order.Front()
			delete(s.rings, oldest.Value.(*ring).dialogID)
			s.order.Remove(oldest)
		}
		elem = s.order.PushBack(&ring{dialogID: ev.DialogID, buf: make([]events.Event, s.perDialog)})
		s.rings[ev.DialogID] = elem
	}
	elem.Value.(*ring).push(ev)
}

// Since returns the events recorded after lastEventID. ok is false when the
// id is not in the buffer, in which case the caller must resync from
// current state.
func (s *Streams) Since(dialogID, lastEventID string) (evs []events.Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, found := s.rings[dialogID]
	if !found || lastEventID == "" {
		return nil, false
	}
	r := elem.Value.(*ring)

	for i := r.n - 1; i >= 0; i-- {
		if r.at(i).ID != lastEventID {
			continue
		}
		out := make([]events.Event, 0, r.n-1-i)
		for j := i + 1; j < r.n; j++ {
			out = append(out, r.at(j))
		}
		return out, true
	}
	return nil, false
}

// Len returns the number of dialogs with buffered events.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rings)
}
