package pipeline

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 40000}
}

type recordingTail struct {
	reads  []any
	events []any
}

func (r *recordingTail) Read(msg any) error {
	r.reads = append(r.reads, msg)
	return nil
}

func (r *recordingTail) Event(event any) error {
	r.events = append(r.events, event)
	return nil
}

// upper upper-cases string messages in both directions.
type upper struct{}

func (upper) HandleRead(ctx *Context, msg any) error {
	if s, ok := msg.(string); ok {
		return ctx.FireRead(strings.ToUpper(s))
	}
	return ctx.FireRead(msg)
}

func (upper) HandleWrite(ctx *Context, msg any) error {
	if s, ok := msg.(string); ok {
		return ctx.Write([]byte(strings.ToUpper(s)))
	}
	return ctx.Write(msg)
}

// prefix adds a marker to string messages.
type prefix string

func (p prefix) HandleRead(ctx *Context, msg any) error {
	return ctx.FireRead(string(p) + msg.(string))
}

// holder keeps what it reads until it is removed.
type holder struct {
	held []string
}

func (h *holder) HandleRead(_ *Context, msg any) error {
	h.held = append(h.held, msg.(string))
	return nil
}

func (h *holder) HandlerRemoved(ctx *Context) error {
	for _, s := range h.held {
		if err := ctx.FireRead(s); err != nil {
			return err
		}
	}
	h.held = nil
	return nil
}

func TestReadAndWriteOrder(t *testing.T) {
	ch := &fakeChannel{}
	tail := &recordingTail{}
	p := New(ch, tail)
	require.NoError(t, p.AddLast("a", prefix("a")))
	require.NoError(t, p.AddLast("b", prefix("b")))
	require.NoError(t, p.AddFirst("up", upper{}))

	require.NoError(t, p.FireRead("x"))
	assert.Equal(t, []any{"baX"}, tail.reads)
	assert.Equal(t, []string{"up", "a", "b"}, p.Names())

	require.NoError(t, p.Write("out"))
	assert.Equal(t, "OUT", ch.buf.String())
}

func TestChannelRejectsNonBytes(t *testing.T) {
	p := New(&fakeChannel{}, nil)
	err := p.Write(42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int")
}

func TestRelativeInsertAndDuplicates(t *testing.T) {
	p := New(&fakeChannel{}, nil)
	require.NoError(t, p.AddLast("a", prefix("a")))
	require.NoError(t, p.AddLast("c", prefix("c")))
	require.NoError(t, p.AddAfter("a", "b", prefix("b")))
	require.NoError(t, p.AddBefore("a", "z", prefix("z")))
	assert.Equal(t, []string{"z", "a", "b", "c"}, p.Names())

	assert.Error(t, p.AddLast("a", prefix("dup")))
	assert.Error(t, p.AddAfter("missing", "d", prefix("d")))
	assert.Error(t, p.Remove("missing"))
	assert.Nil(t, p.Get("missing"))
	assert.Equal(t, prefix("b"), p.Get("b"))
}

// selfRemover removes itself on the first message and forwards it.
type selfRemover struct{}

func (selfRemover) HandleRead(ctx *Context, msg any) error {
	if err := ctx.RemoveSelf(); err != nil {
		return err
	}
	return ctx.FireRead(msg)
}

func TestRemovedStageKeepsForwarding(t *testing.T) {
	tail := &recordingTail{}
	p := New(&fakeChannel{}, tail)
	require.NoError(t, p.AddLast("once", selfRemover{}))
	require.NoError(t, p.AddLast("b", prefix("b")))

	require.NoError(t, p.FireRead("1"))
	require.NoError(t, p.FireRead("2"))
	assert.Equal(t, []any{"b1", "b2"}, tail.reads)
	assert.Equal(t, []string{"b"}, p.Names())
}

// swapper replaces itself with upper and forwards into the replacement.
type swapper struct{}

func (swapper) HandleRead(ctx *Context, msg any) error {
	if err := ctx.ReplaceSelf("up", upper{}); err != nil {
		return err
	}
	if err := ctx.AddAfter("up", "m", prefix("m")); err != nil {
		return err
	}
	return ctx.FireRead(msg)
}

func TestReplacedStageForwardsIntoReplacement(t *testing.T) {
	tail := &recordingTail{}
	p := New(&fakeChannel{}, tail)
	require.NoError(t, p.AddLast("swap", swapper{}))

	require.NoError(t, p.FireRead("get"))
	assert.Equal(t, []any{"mGET"}, tail.reads)
	assert.Equal(t, []string{"up", "m"}, p.Names())
}

func TestRemovalFlushesHeldMessages(t *testing.T) {
	tail := &recordingTail{}
	p := New(&fakeChannel{}, tail)
	h := &holder{}
	require.NoError(t, p.AddLast("hold", h))
	require.NoError(t, p.AddLast("b", prefix("b")))

	require.NoError(t, p.FireRead("1"))
	require.NoError(t, p.FireRead("2"))
	assert.Empty(t, tail.reads)

	require.NoError(t, p.Replace("hold", "up", upper{}))
	assert.Equal(t, []any{"b1", "b2"}, tail.reads, "held input flows through the replacement")

	require.NoError(t, p.FireRead("x"))
	assert.Equal(t, []any{"b1", "b2", "bX"}, tail.reads)
}

type eventMarker struct{}

func (eventMarker) HandleEvent(ctx *Context, event any) error {
	return ctx.FireEvent(event.(string) + "!")
}

func TestEvents(t *testing.T) {
	tail := &recordingTail{}
	p := New(&fakeChannel{}, tail)
	require.NoError(t, p.AddLast("a", prefix("a")))
	require.NoError(t, p.AddLast("e", eventMarker{}))

	require.NoError(t, p.FireEvent("up"))
	assert.Equal(t, []any{"up!"}, tail.events)
}

func TestCloseOnce(t *testing.T) {
	ch := &fakeChannel{}
	p := New(ch, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.True(t, p.Closed())
	assert.ErrorIs(t, p.Write([]byte("late")), net.ErrClosed)
}
