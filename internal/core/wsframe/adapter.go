package wsframe

import (
	"encoding/hex"
	"strings"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
)

// DumpBytesPerLine is the width of a payload dump line.
const DumpBytesPerLine = 32

// Options toggles the adapter's tracing.
type Options struct {
	// Debug logs the direction and size of every message.
	Debug bool
	// DumpBytes additionally logs every payload as hex.
	DumpBytes bool
}

// Adapter translates between application bytes and binary frames. It keeps
// no state between messages.
type Adapter struct {
	opts           Options
	log            *zerolog.Logger
	inboundPrefix  string
	outboundPrefix string
}

// NewServerAdapter returns the adapter used on accepted connections.
func NewServerAdapter(opts Options, log *zerolog.Logger) *Adapter {
	return &Adapter{opts: opts, log: log, inboundPrefix: "C->S", outboundPrefix: "S->C"}
}

// HandleWrite wraps outgoing bytes in one binary frame.
func (a *Adapter) HandleWrite(ctx *pipeline.Context, msg any) error {
	p, ok := msg.([]byte)
	if !ok {
		if a.opts.Debug {
			a.log.Debug().Msgf("%s Passthrough: %T", a.outboundPrefix, msg)
		}
		return ctx.Write(msg)
	}
	a.trace(a.outboundPrefix, p)
	return ctx.Write(ws.NewBinaryFrame(p))
}

// HandleRead unwraps binary frames. Close frames and every other frame kind
// are logged and dropped.
func (a *Adapter) HandleRead(ctx *pipeline.Context, msg any) error {
	f, ok := msg.(ws.Frame)
	if !ok {
		return ctx.FireRead(msg)
	}
	switch f.Header.OpCode {
	case ws.OpBinary:
		a.trace(a.inboundPrefix, f.Payload)
		return ctx.FireRead(f.Payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(f.Payload)
		a.log.Debug().Int("status", int(code)).Str("reason", reason).Msg("Close frame received")
		return nil
	default:
		a.log.Debug().Str("opcode", opName(f.Header.OpCode)).Msg("Unsupported WebSocket frame dropped")
		return nil
	}
}

func (a *Adapter) trace(prefix string, p []byte) {
	if !a.opts.Debug {
		return
	}
	a.log.Debug().Msgf("%s (%d):", prefix, len(p))
	if a.opts.DumpBytes {
		for _, line := range Dump(p) {
			a.log.Debug().Msg(line)
		}
	}
}

// Dump renders p as upper-case hex, DumpBytesPerLine bytes per line, bytes
// separated by a space. p is not modified.
func Dump(p []byte) []string {
	lines := make([]string, 0, (len(p)+DumpBytesPerLine-1)/DumpBytesPerLine)
	for start := 0; start < len(p); start += DumpBytesPerLine {
		end := min(start+DumpBytesPerLine, len(p))
		var b strings.Builder
		b.Grow((end - start) * 3)
		for i := start; i < end; i++ {
			if i > start {
				b.WriteByte(' ')
			}
			b.WriteString(strings.ToUpper(hex.EncodeToString(p[i : i+1])))
		}
		lines = append(lines, b.String())
	}
	return lines
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpText:
		return "text"
	case ws.OpPing:
		return "ping"
	case ws.OpPong:
		return "pong"
	case ws.OpContinuation:
		return "continuation"
	default:
		return "reserved"
	}
}
