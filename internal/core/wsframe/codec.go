// Package wsframe carries the application byte stream inside WebSocket binary
// frames once the handshake is done.
//
// Codec turns the raw connection bytes into ws.Frame values and back, and
// Adapter turns those frames into application bytes and back. With both in
// place the stages after them see exactly the bytes a raw connection would.
package wsframe

import (
	"bytes"
	stderrors "errors"
	"io"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/shared/errors"
)

// Stage names.
const (
	CodecName   = "ws-codec"
	AdapterName = "ws-adapter"
)

// Codec decodes client frames from the connection bytes and encodes server
// frames for the channel. It answers pings, reassembles fragmented messages
// and completes the closing handshake.
type Codec struct {
	maxPayload int64
	log        *zerolog.Logger

	buf []byte
	// fragmented message being reassembled
	fragOp      ws.OpCode
	fragPayload []byte
	fragActive  bool
	closed      bool
}

// NewCodec returns a server side frame codec that rejects frames and
// messages above maxPayload bytes.
func NewCodec(maxPayload int, log *zerolog.Logger) *Codec {
	return &Codec{maxPayload: int64(maxPayload), log: log}
}

func (c *Codec) HandleRead(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireRead(msg)
	}
	if c.closed {
		return nil
	}
	c.buf = append(c.buf, data...)

	for len(c.buf) > 0 && !c.closed {
		r := bytes.NewReader(c.buf)
		h, err := ws.ReadHeader(r)
		if err != nil {
			if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return c.fail(ctx, ws.StatusProtocolError, errors.Protocol("invalid WebSocket frame header").Base(err))
		}
		if err := ws.CheckHeader(h, ws.StateServerSide); err != nil {
			return c.fail(ctx, ws.StatusProtocolError, errors.Protocol("invalid WebSocket frame").Base(err))
		}
		if h.Length > c.maxPayload {
			return c.fail(ctx, ws.StatusMessageTooBig,
				errors.Protocol("WebSocket frame payload of %d bytes exceeds the limit of %d", h.Length, c.maxPayload))
		}

		headerSize := ws.HeaderSize(h)
		total := headerSize + int(h.Length)
		if len(c.buf) < total {
			return nil
		}

		payload := make([]byte, h.Length)
		copy(payload, c.buf[headerSize:total])
		c.buf = c.buf[total:]
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
			h.Masked = false
			h.Mask = [4]byte{}
		}

		if err := c.handleFrame(ctx, ws.Frame{Header: h, Payload: payload}); err != nil {
			return err
		}
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return nil
}

func (c *Codec) handleFrame(ctx *pipeline.Context, f ws.Frame) error {
	switch f.Header.OpCode {
	case ws.OpPing:
		if err := c.writeFrame(ctx, ws.NewPongFrame(f.Payload)); err != nil {
			return err
		}
		return ctx.FireRead(f)
	case ws.OpPong:
		return ctx.FireRead(f)
	case ws.OpClose:
		c.closed = true
		c.buf = nil
		if err := ctx.FireRead(f); err != nil {
			return err
		}
		var body []byte
		if len(f.Payload) >= 2 {
			code, _ := ws.ParseCloseFrameData(f.Payload)
			body = ws.NewCloseFrameBody(code, "")
		}
		_ = c.writeFrame(ctx, ws.NewCloseFrame(body))
		return ctx.Close()
	case ws.OpContinuation:
		if !c.fragActive {
			return c.fail(ctx, ws.StatusProtocolError, errors.Protocol("continuation frame without a started message"))
		}
		if int64(len(c.fragPayload))+f.Header.Length > c.maxPayload {
			return c.fail(ctx, ws.StatusMessageTooBig,
				errors.Protocol("fragmented WebSocket message exceeds the limit of %d bytes", c.maxPayload))
		}
		c.fragPayload = append(c.fragPayload, f.Payload...)
		if !f.Header.Fin {
			return nil
		}
		whole := ws.Frame{
			Header:  ws.Header{Fin: true, OpCode: c.fragOp, Length: int64(len(c.fragPayload))},
			Payload: c.fragPayload,
		}
		c.fragActive = false
		c.fragPayload = nil
		return ctx.FireRead(whole)
	default:
		if c.fragActive {
			return c.fail(ctx, ws.StatusProtocolError, errors.Protocol("new data frame inside a fragmented message"))
		}
		if !f.Header.Fin {
			c.fragActive = true
			c.fragOp = f.Header.OpCode
			c.fragPayload = f.Payload
			return nil
		}
		return ctx.FireRead(f)
	}
}

// fail closes the connection with a close frame carrying code.
func (c *Codec) fail(ctx *pipeline.Context, code ws.StatusCode, err *errors.Error) error {
	c.closed = true
	c.buf = nil
	c.log.Debug().Int("status", int(code)).Err(err).Msg("Closing WebSocket")
	_ = c.writeFrame(ctx, ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
	_ = ctx.Close()
	return err.WithRemote(ctx.Channel().RemoteAddr())
}

func (c *Codec) writeFrame(ctx *pipeline.Context, f ws.Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	return ctx.Write(b)
}

func (c *Codec) HandleWrite(ctx *pipeline.Context, msg any) error {
	f, ok := msg.(ws.Frame)
	if !ok {
		return ctx.Write(msg)
	}
	b, err := Encode(f)
	if err != nil {
		return err
	}
	return ctx.Write(b)
}

// Encode serializes a frame as sent by a server.
func Encode(f ws.Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(ws.HeaderSize(f.Header) + len(f.Payload))
	if err := ws.WriteFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
