// ABOUTME: Per-dialog live connection pools for operator, widget, and event-stream clients
// ABOUTME: Each pool only accepts its own handle type; metadata is tracked alongside handles

package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/events"
)

// Class names a pool.
type Class string

const (
	ClassOperator Class = "operator"
	ClassWidget   Class = "widget"
	ClassStream   Class = "stream"
)

// Sink is the transport side of a connection.
type Sink interface {
	// Send queues an event without blocking. It returns false if the event
	// was dropped.
	Send(ev events.Event) bool
	// Close ends the connection with a reason code.
	Close(code int, reason string)
	// Closed reports whether Close has already been called.
	Closed() bool
}

// Metadata describes a live connection. It is never persisted.
type Metadata struct {
	ConnID      string
	DialogID    string
	RemoteAddr  string
	Identity    string // operator id, guest id, or service
	Domain      string // origin host for widgets
	ConnectedAt time.Time
	LastEventID string
}

type conn struct {
	sink Sink
	meta Metadata
}

func (c *conn) ID() string                { return c.meta.ConnID }
func (c *conn) DialogID() string          { return c.meta.DialogID }
func (c *conn) Metadata() Metadata        { return c.meta }
func (c *conn) Send(ev events.Event) bool { return c.sink.Send(ev) }
func (c *conn) Close(code int, reason string) {
	c.sink.Close(code, reason)
}
func (c *conn) Closed() bool { return c.sink.Closed() }

// OperatorConn is a console connection. Only the operator pool accepts it.
type OperatorConn struct{ conn }

// WidgetConn is an embedded widget's websocket. Only the widget pool accepts it.
type WidgetConn struct{ conn }

// StreamConn is a server-push stream subscriber. Only the stream pool accepts it.
type StreamConn struct{ conn }

// NewOperatorConn wraps a console transport.
func NewOperatorConn(sink Sink, meta Metadata) *OperatorConn {
	return &OperatorConn{conn{sink: sink, meta: stamp(meta)}}
}

// NewWidgetConn wraps a widget transport.
func NewWidgetConn(sink Sink, meta Metadata) *WidgetConn {
	return &WidgetConn{conn{sink: sink, meta: stamp(meta)}}
}

// NewStreamConn wraps a stream transport.
func NewStreamConn(sink Sink, meta Metadata) *StreamConn {
	return &StreamConn{conn{sink: sink, meta: stamp(meta)}}
}

func stamp(m Metadata) Metadata {
	if m.ConnectedAt.IsZero() {
		m.ConnectedAt = time.Now().UTC()
	}
	return m
}

// Handle is implemented by the three connection types.
type Handle interface {
	*OperatorConn | *WidgetConn | *StreamConn
	ID() string
	DialogID() string
	Metadata() Metadata
	Send(ev events.Event) bool
	Close(code int, reason string)
	Closed() bool
}

// Registry owns the three pools. Create one per gateway; there is no
// process-wide instance.
type Registry struct {
	Operators *Pool[*OperatorConn]
	Widgets   *Pool[*WidgetConn]
	Streams   *Pool[*StreamConn]
}

// Options configure a Registry.
type Options struct {
	Logger *slog.Logger
	// OnChange is called after every effective register (+1) or unregister (-1).
	OnChange func(class Class, delta int)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	return &Registry{
		Operators: newPool[*OperatorConn](ClassOperator, logger, opts.OnChange),
		Widgets:   newPool[*WidgetConn](ClassWidget, logger, opts.OnChange),
		Streams:   newPool[*StreamConn](ClassStream, logger, opts.OnChange),
	}
}

// PoolStatus reports one pool's view of a dialog.
type PoolStatus struct {
	Handles    int        `json:"handles"`
	Metadata   int        `json:"metadata"`
	Consistent bool       `json:"consistent"`
	Conns      []Metadata `json:"connections,omitempty"`
}

// DialogStatus is the diagnostic view of one dialog across pools.
type DialogStatus struct {
	DialogID   string     `json:"dialog_id"`
	Operator   PoolStatus `json:"operator"`
	Widget     PoolStatus `json:"widget"`
	Stream     PoolStatus `json:"stream"`
	Consistent bool       `json:"consistent"`
}

// Status returns pool membership and metadata counts for a dialog.
func (r *Registry) Status(dialogID string) DialogStatus {
	s := DialogStatus{
		DialogID: dialogID,
		Operator: r.Operators.Status(dialogID),
		Widget:   r.Widgets.Status(dialogID),
		Stream:   r.Streams.Status(dialogID),
	}
	s.Consistent = s.Operator.Consistent && s.Widget.Consistent && s.Stream.Consistent
	return s
}

// Totals are aggregate connection counts.
type Totals struct {
	Operator int `json:"operator"`
	Widget   int `json:"widget"`
	Stream   int `json:"stream"`
	Dialogs  int `json:"dialogs"`
}

// Totals returns aggregate connection counts across all dialogs.
func (r *Registry) Totals() Totals {
	dialogs := make(map[string]struct{})
	t := Totals{
		Operator: r.Operators.count(dialogs),
		Widget:   r.Widgets.count(dialogs),
		Stream:   r.Streams.count(dialogs),
	}
	t.Dialogs = len(dialogs)
	return t
}

// CloseAll closes every connection in every pool.
func (r *Registry) CloseAll(code int, reason string) {
	r.Operators.closeAll(code, reason)
	r.Widgets.closeAll(code, reason)
	r.Streams.closeAll(code, reason)
}

// Pool is the set of live connections of one class, keyed by dialog.
type Pool[H Handle] struct {
	class    Class
	logger   *slog.Logger
	onChange func(Class, int)

	mu      sync.RWMutex
	handles map[string]map[string]H         // dialogID -> connID -> handle
	meta    map[string]map[string]*Metadata // dialogID -> connID -> metadata
}

func newPool[H Handle](class Class, logger *slog.Logger, onChange func(Class, int)) *Pool[H] {
	return &Pool[H]{
		class:    class,
		logger:   logger,
		onChange: onChange,
		handles:  make(map[string]map[string]H),
		meta:     make(map[string]map[string]*Metadata),
	}
}

// Class returns the pool's class.
func (p *Pool[H]) Class() Class {
	return p.class
}

// Register adds h to its dialog. Registering the same connection twice is a no-op.
func (p *Pool[H]) Register(h H) {
	dialogID, connID := h.DialogID(), h.ID()

	p.mu.Lock()
	if _, ok := p.handles[dialogID]; !ok {
		p.handles[dialogID] = make(map[string]H)
		p.meta[dialogID] = make(map[string]*Metadata)
	}
	if _, exists := p.handles[dialogID][connID]; exists {
		p.mu.Unlock()
		return
	}
	m := h.Metadata()
	p.handles[dialogID][connID] = h
	p.meta[dialogID][connID] = &m
	p.mu.Unlock()

	p.logger.Debug("connection registered",
		"pool", p.class,
		"dialog_id", dialogID,
		"conn_id", connID,
		"remote_addr", m.RemoteAddr)
	p.changed(+1)
}

// Unregister removes h. Unregistering an absent connection is a no-op.
func (p *Pool[H]) Unregister(h H) {
	dialogID, connID := h.DialogID(), h.ID()

	p.mu.Lock()
	conns, ok := p.handles[dialogID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, exists := conns[connID]; !exists {
		p.mu.Unlock()
		return
	}
	delete(conns, connID)
	delete(p.meta[dialogID], connID)
	if len(conns) == 0 {
		delete(p.handles, dialogID)
	}
	if len(p.meta[dialogID]) == 0 {
		delete(p.meta, dialogID)
	}
	p.mu.Unlock()

	p.logger.Debug("connection unregistered",
		"pool", p.class,
		"dialog_id", dialogID,
		"conn_id", connID)
	p.changed(-1)
}

func (p *Pool[H]) changed(delta int) {
	if p.onChange != nil {
		p.onChange(p.class, delta)
	}
}

// Lookup returns a snapshot of the dialog's connections.
func (p *Pool[H]) Lookup(dialogID string) []H {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := p.handles[dialogID]
	out := make([]H, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// Contains reports whether a connection id is registered for the dialog.
func (p *Pool[H]) Contains(dialogID, connID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handles[dialogID][connID]
	return ok
}

// Touch records the last event id delivered to a connection.
func (p *Pool[H]) Touch(dialogID, connID, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.meta[dialogID][connID]; ok {
		m.LastEventID = eventID
	}
}

// Status reports handle and metadata counts for a dialog.
func (p *Pool[H]) Status(dialogID string) PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := PoolStatus{
		Handles:  len(p.handles[dialogID]),
		Metadata: len(p.meta[dialogID]),
	}
	orphaned := false
	for connID, m := range p.meta[dialogID] {
		if _, ok := p.handles[dialogID][connID]; !ok {
			orphaned = true
		}
		s.Conns = append(s.Conns, *m)
	}
	sort.Slice(s.Conns, func(i, j int) bool { return s.Conns[i].ConnID < s.Conns[j].ConnID })
	s.Consistent = !orphaned && s.Handles == s.Metadata
	return s
}

// count returns the pool's total connections and records its dialogs.
func (p *Pool[H]) count(dialogs map[string]struct{}) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for dialogID, conns := range p.handles {
		dialogs[dialogID] = struct{}{}
		n += len(conns)
	}
	return n
}

func (p *Pool[H]) closeAll(code int, reason string) {
	p.mu.RLock()
	var all []H
	for _, conns := range p.handles {
		for _, h := range conns {
			all = append(all, h)
		}
	}
	p.mu.RUnlock()

	for _, h := range all {
		h.Close(code, reason)
	}
}
