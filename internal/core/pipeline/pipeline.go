// Package pipeline implements the per-connection ordered chain of named
// stages. Reads travel from the head to the tail, writes travel from the tail
// to the head, and stages may splice the chain while a message is in flight.
package pipeline

import (
	"fmt"
	"net"
	"sync"
)

// Channel is the transport under the head of the chain.
type Channel interface {
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Handler is any stage. A stage implements at least one of InboundHandler,
// OutboundHandler, EventHandler or RemovalHandler.
type Handler interface{}

// InboundHandler receives messages travelling towards the tail.
type InboundHandler interface {
	HandleRead(ctx *Context, msg any) error
}

// OutboundHandler receives messages travelling towards the channel.
type OutboundHandler interface {
	HandleWrite(ctx *Context, msg any) error
}

// EventHandler receives user events travelling towards the tail.
type EventHandler interface {
	HandleEvent(ctx *Context, event any) error
}

// RemovalHandler is notified after the stage left the chain. Decoders use it
// to flush what they had cumulated into ctx.FireRead.
type RemovalHandler interface {
	HandlerRemoved(ctx *Context) error
}

// Tail receives what travels past the last stage.
type Tail interface {
	Read(msg any) error
	Event(event any) error
}

// Pipeline is the ordered stage list of one connection.
type Pipeline struct {
	mu      sync.Mutex
	channel Channel
	tail    Tail
	stages  []*Context
	closed  bool
}

// Context binds a stage to its position in a Pipeline.
type Context struct {
	p       *Pipeline
	name    string
	handler Handler
	removed bool
	// successor is the context that took this one's position on Replace.
	successor *Context
	// anchor is the neighbour used to keep forwarding after Remove.
	prevAnchor, nextAnchor *Context
}

// New returns an empty pipeline over channel. tail may be nil.
func New(channel Channel, tail Tail) *Pipeline {
	return &Pipeline{channel: channel, tail: tail}
}

// Channel returns the underlying transport.
func (p *Pipeline) Channel() Channel {
	return p.channel
}

// FireRead injects msg at the head of the chain.
func (p *Pipeline) FireRead(msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFrom(0, msg)
}

// FireEvent injects event at the head of the chain.
func (p *Pipeline) FireEvent(event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventFrom(0, event)
}

// Write injects msg at the tail of the chain, travelling towards the channel.
func (p *Pipeline) Write(msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFrom(len(p.stages)-1, msg)
}

// Close closes the channel once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeChannel()
}

func (p *Pipeline) closeChannel() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.channel.Close()
}

// Closed reports whether Close was called.
func (p *Pipeline) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// The splice operations below take the lock. Stages use the equivalent
// methods on Context, which run under the lock already held by the entry
// point that called them.

// AddFirst inserts a stage at the head.
func (p *Pipeline) AddFirst(name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(0, name, h)
}

// AddLast appends a stage at the tail.
func (p *Pipeline) AddLast(name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(len(p.stages), name, h)
}

// AddBefore inserts a stage right before the stage named base.
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addRelative(base, 0, name, h)
}

// AddAfter inserts a stage right after the stage named base.
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addRelative(base, 1, name, h)
}

// Replace swaps the stage named old for a new stage.
func (p *Pipeline) Replace(old, name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replace(old, name, h)
}

// Remove drops the stage named name.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remove(name)
}

// Get returns the stage named name, or nil.
func (p *Pipeline) Get(name string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.index(name); i >= 0 {
		return p.stages[i].handler
	}
	return nil
}

// Names returns the stage names from head to tail.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.stages))
	for i, c := range p.stages {
		names[i] = c.name
	}
	return names
}

func (p *Pipeline) index(name string) int {
	for i, c := range p.stages {
		if c.name == name {
			return i
		}
	}
	return -1
}

func (p *Pipeline) position(c *Context) int {
	for i, s := range p.stages {
		if s == c {
			return i
		}
	}
	return -1
}

func (p *Pipeline) insert(at int, name string, h Handler) error {
	if p.index(name) >= 0 {
		return fmt.Errorf("duplicate stage name %q", name)
	}
	c := &Context{p: p, name: name, handler: h}
	p.stages = append(p.stages, nil)
	copy(p.stages[at+1:], p.stages[at:])
	p.stages[at] = c
	return nil
}

func (p *Pipeline) addRelative(base string, offset int, name string, h Handler) error {
	i := p.index(base)
	if i < 0 {
		return fmt.Errorf("no stage named %q", base)
	}
	return p.insert(i+offset, name, h)
}

func (p *Pipeline) replace(old, name string, h Handler) error {
	i := p.index(old)
	if i < 0 {
		return fmt.Errorf("no stage named %q", old)
	}
	if name != old && p.index(name) >= 0 {
		return fmt.Errorf("duplicate stage name %q", name)
	}
	prev := p.stages[i]
	c := &Context{p: p, name: name, handler: h}
	p.stages[i] = c
	prev.removed = true
	prev.successor = c
	return p.notifyRemoved(prev)
}

func (p *Pipeline) remove(name string) error {
	i := p.index(name)
	if i < 0 {
		return fmt.Errorf("no stage named %q", name)
	}
	c := p.stages[i]
	if i > 0 {
		c.prevAnchor = p.stages[i-1]
	}
	if i+1 < len(p.stages) {
		c.nextAnchor = p.stages[i+1]
	}
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	c.removed = true
	return p.notifyRemoved(c)
}

func (p *Pipeline) notifyRemoved(c *Context) error {
	if rh, ok := c.handler.(RemovalHandler); ok {
		return rh.HandlerRemoved(c)
	}
	return nil
}

// readFrom delivers msg to the first inbound stage at or after index i.
func (p *Pipeline) readFrom(i int, msg any) error {
	for ; i < len(p.stages); i++ {
		c := p.stages[i]
		if h, ok := c.handler.(InboundHandler); ok {
			return h.HandleRead(c, msg)
		}
	}
	if p.tail != nil {
		return p.tail.Read(msg)
	}
	return nil
}

func (p *Pipeline) eventFrom(i int, event any) error {
	for ; i < len(p.stages); i++ {
		c := p.stages[i]
		if h, ok := c.handler.(EventHandler); ok {
			return h.HandleEvent(c, event)
		}
	}
	if p.tail != nil {
		return p.tail.Event(event)
	}
	return nil
}

// writeFrom delivers msg to the first outbound stage at or before index i.
func (p *Pipeline) writeFrom(i int, msg any) error {
	for ; i >= 0; i-- {
		c := p.stages[i]
		if h, ok := c.handler.(OutboundHandler); ok {
			return h.HandleWrite(c, msg)
		}
	}
	return p.writeChannel(msg)
}

func (p *Pipeline) writeChannel(msg any) error {
	b, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("unsupported message type %T reached the channel", msg)
	}
	if p.closed {
		return net.ErrClosed
	}
	_, err := p.channel.Write(b)
	return err
}

// Name returns the stage name.
func (c *Context) Name() string {
	return c.name
}

// Pipeline returns the owning pipeline.
func (c *Context) Pipeline() *Pipeline {
	return c.p
}

// Channel returns the underlying transport.
func (c *Context) Channel() Channel {
	return c.p.channel
}

// current resolves a removed or replaced context to its live stand-in.
// ok is false when the context was removed and forwarding must start from an
// anchor neighbour instead.
func (c *Context) current() (*Context, bool) {
	for c.successor != nil {
		c = c.successor
	}
	return c, !c.removed
}

// nextIndex is the index of the first stage after c.
func (c *Context) nextIndex() int {
	cur, live := c.current()
	if live {
		return c.p.position(cur) + 1
	}
	for n := cur.nextAnchor; n != nil; n = n.nextAnchor {
		if live, ok := n.current(); ok {
			return c.p.position(live)
		}
	}
	for n := cur.prevAnchor; n != nil; n = n.prevAnchor {
		if live, ok := n.current(); ok {
			return c.p.position(live) + 1
		}
	}
	return 0
}

// prevIndex is the index of the first stage before c.
func (c *Context) prevIndex() int {
	cur, live := c.current()
	if live {
		return c.p.position(cur) - 1
	}
	for n := cur.prevAnchor; n != nil; n = n.prevAnchor {
		if live, ok := n.current(); ok {
			return c.p.position(live)
		}
	}
	for n := cur.nextAnchor; n != nil; n = n.nextAnchor {
		if live, ok := n.current(); ok {
			return c.p.position(live) - 1
		}
	}
	return -1
}

// FireRead passes msg to the next inbound stage. A replaced stage forwards
// into its replacement; a removed stage forwards to whatever follows it.
func (c *Context) FireRead(msg any) error {
	cur, live := c.current()
	if cur != c && live {
		// replaced: the replacement sees the message first
		if h, ok := cur.handler.(InboundHandler); ok {
			return h.HandleRead(cur, msg)
		}
		return c.p.readFrom(c.p.position(cur)+1, msg)
	}
	return c.p.readFrom(c.nextIndex(), msg)
}

// FireEvent passes event to the next event stage.
func (c *Context) FireEvent(event any) error {
	cur, live := c.current()
	if cur != c && live {
		if h, ok := cur.handler.(EventHandler); ok {
			return h.HandleEvent(cur, event)
		}
		return c.p.eventFrom(c.p.position(cur)+1, event)
	}
	return c.p.eventFrom(c.nextIndex(), event)
}

// Write passes msg to the previous outbound stage, or the channel.
func (c *Context) Write(msg any) error {
	cur, live := c.current()
	if cur != c && live {
		return c.p.writeFrom(c.p.position(cur)-1, msg)
	}
	return c.p.writeFrom(c.prevIndex(), msg)
}

// Close closes the channel.
func (c *Context) Close() error {
	return c.p.closeChannel()
}

// AddBefore inserts a stage right before the stage named base.
func (c *Context) AddBefore(base, name string, h Handler) error {
	return c.p.addRelative(base, 0, name, h)
}

// AddAfter inserts a stage right after the stage named base.
func (c *Context) AddAfter(base, name string, h Handler) error {
	return c.p.addRelative(base, 1, name, h)
}

// AddFirst inserts a stage at the head.
func (c *Context) AddFirst(name string, h Handler) error {
	return c.p.insert(0, name, h)
}

// Replace swaps the stage named old for a new stage.
func (c *Context) Replace(old, name string, h Handler) error {
	return c.p.replace(old, name, h)
}

// Remove drops the stage named name.
func (c *Context) Remove(name string) error {
	return c.p.remove(name)
}

// RemoveSelf drops this stage. The context stays usable for forwarding.
func (c *Context) RemoveSelf() error {
	return c.p.remove(c.name)
}

// ReplaceSelf swaps this stage for h under name. Messages fired from this
// context afterwards start at the replacement.
func (c *Context) ReplaceSelf(name string, h Handler) error {
	return c.p.replace(c.name, name, h)
}

// Get returns the stage named name, or nil.
func (c *Context) Get(name string) Handler {
	if i := c.p.index(name); i >= 0 {
		return c.p.stages[i].handler
	}
	return nil
}
