package handshake

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/shared/errors"
)

var headerTerminator = []byte("\r\n\r\n")

// Codec decodes exactly one HTTP request from the connection bytes and
// encodes *http.Response values written back. Bytes that follow the request
// are handed to whatever replaces the codec.
type Codec struct {
	maxContentLength int
	log              *zerolog.Logger

	buf     []byte
	decoded bool
}

// NewCodec returns an HTTP codec that rejects requests whose head or body
// exceeds maxContentLength bytes.
func NewCodec(maxContentLength int, log *zerolog.Logger) *Codec {
	return &Codec{maxContentLength: maxContentLength, log: log}
}

func (c *Codec) HandleRead(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok || c.decoded {
		if ok && c.decoded {
			// the request is out, hold the rest for the next stage
			c.buf = append(c.buf, data...)
			return nil
		}
		return ctx.FireRead(msg)
	}
	c.buf = append(c.buf, data...)

	end := bytes.Index(c.buf, headerTerminator)
	if end < 0 {
		if len(c.buf) > c.maxContentLength {
			return c.reject(ctx, http.StatusRequestEntityTooLarge,
				errors.Protocol("handshake request head exceeds %d bytes", c.maxContentLength))
		}
		return nil
	}
	headEnd := end + len(headerTerminator)
	if headEnd > c.maxContentLength {
		return c.reject(ctx, http.StatusRequestEntityTooLarge,
			errors.Protocol("handshake request head exceeds %d bytes", c.maxContentLength))
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(c.buf[:headEnd])))
	if err != nil {
		return c.reject(ctx, http.StatusBadRequest, errors.Protocol("malformed handshake request").Base(err))
	}
	if len(req.TransferEncoding) > 0 {
		return c.reject(ctx, http.StatusBadRequest, errors.Protocol("chunked handshake request bodies are not supported"))
	}

	bodyLen := int(max(req.ContentLength, 0))
	if bodyLen > c.maxContentLength {
		return c.reject(ctx, http.StatusRequestEntityTooLarge,
			errors.Protocol("handshake request body of %d bytes exceeds %d", bodyLen, c.maxContentLength))
	}
	if len(c.buf) < headEnd+bodyLen {
		return nil
	}

	if bodyLen > 0 {
		req.Body = io.NopCloser(bytes.NewReader(c.buf[headEnd : headEnd+bodyLen]))
	} else {
		req.Body = http.NoBody
	}
	if remote := ctx.Channel().RemoteAddr(); remote != nil {
		req.RemoteAddr = remote.String()
	}
	c.buf = c.buf[headEnd+bodyLen:]
	c.decoded = true

	return ctx.FireRead(req)
}

// HandlerRemoved hands the bytes received after the request to the stage
// that took the codec's place.
func (c *Codec) HandlerRemoved(ctx *pipeline.Context) error {
	rest := c.buf
	c.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return ctx.FireRead(rest)
}

func (c *Codec) reject(ctx *pipeline.Context, status int, err *errors.Error) error {
	c.decoded = true
	c.buf = nil
	c.log.Debug().Int("status", status).Err(err).Msg("Handshake request rejected")
	_ = ctx.Write(EncodeResponse(errorResponse(status, nil)))
	_ = ctx.Close()
	return err.WithRemote(ctx.Channel().RemoteAddr())
}

// HandleWrite encodes responses. Anything else passes through.
func (c *Codec) HandleWrite(ctx *pipeline.Context, msg any) error {
	resp, ok := msg.(*http.Response)
	if !ok {
		return ctx.Write(msg)
	}
	return ctx.Write(EncodeResponse(resp))
}

// EncodeResponse renders the status line, headers and body of resp as
// HTTP/1.1. Unlike http.Response.Write it adds no headers of its own.
func EncodeResponse(resp *http.Response) []byte {
	var buf bytes.Buffer
	text := strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %03d %s\r\n", resp.StatusCode, text)
	_ = resp.Header.Write(&buf)
	buf.WriteString("\r\n")
	if resp.Body != nil {
		_, _ = io.Copy(&buf, resp.Body)
		_ = resp.Body.Close()
	}
	return buf.Bytes()
}

// errorResponse builds a plain text reply that closes the connection.
func errorResponse(status int, extra http.Header) *http.Response {
	body := http.StatusText(status)
	h := http.Header{}
	for k, v := range extra {
		h[k] = v
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", fmt.Sprint(len(body)))
	h.Set("Connection", "close")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
