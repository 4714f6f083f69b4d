package proxyinfo

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"

	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/shared/errors"
)

// Stage names.
const (
	DecoderName = "proxy-decoder"
	HandlerName = "proxy-handler"
)

const (
	v1MaxLength    = 107
	v2HeaderLength = 16
)

var (
	v1Signature = []byte("PROXY ")
	v2Signature = []byte("\r\n\r\n\x00\r\nQUIT\n")
)

// Decoder is the pipeline stage that strips one PROXY protocol v1 or v2
// preamble off the start of a connection. It fires the parsed
// *proxyproto.Header, then the bytes that followed it, and leaves the chain.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a preamble decoder stage.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) HandleRead(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireRead(msg)
	}
	d.buf = append(d.buf, data...)

	total, err := preambleLength(d.buf)
	if err != nil {
		d.buf = nil
		return err.WithRemote(ctx.Channel().RemoteAddr())
	}
	if total == 0 {
		return nil
	}

	buffered := d.buf
	d.buf = nil
	header, perr := proxyproto.Read(bufio.NewReaderSize(bytes.NewReader(buffered[:total]), max(total, 256)))
	if perr != nil {
		return errors.Protocol("malformed PROXY protocol preamble").Base(perr).WithRemote(ctx.Channel().RemoteAddr())
	}

	if err := ctx.RemoveSelf(); err != nil {
		return err
	}
	if err := ctx.FireRead(header); err != nil {
		return err
	}
	if rest := buffered[total:]; len(rest) > 0 {
		return ctx.FireRead(rest)
	}
	return nil
}

// preambleLength returns the size of the complete preamble at the start of
// b, or 0 when more bytes are needed.
func preambleLength(b []byte) (int, *errors.Error) {
	switch {
	case hasPrefixOrIsPrefix(b, v2Signature):
		if len(b) < v2HeaderLength {
			return 0, nil
		}
		total := v2HeaderLength + int(binary.BigEndian.Uint16(b[14:16]))
		if len(b) < total {
			return 0, nil
		}
		return total, nil
	case hasPrefixOrIsPrefix(b, v1Signature):
		limit := min(len(b), v1MaxLength)
		if i := bytes.Index(b[:limit], []byte("\r\n")); i >= 0 {
			return i + 2, nil
		}
		if len(b) >= v1MaxLength {
			return 0, errors.Protocol("PROXY protocol v1 line exceeds %d bytes", v1MaxLength)
		}
		return 0, nil
	default:
		return 0, errors.Protocol("connection does not start with a PROXY protocol preamble")
	}
}

func hasPrefixOrIsPrefix(b, sig []byte) bool {
	if len(b) >= len(sig) {
		return bytes.HasPrefix(b, sig)
	}
	return bytes.HasPrefix(sig, b)
}

// Attacher stores a resolved Info on a connection unless one is already set.
type Attacher interface {
	AttachProxyInfo(info *Info) bool
}

// Handler is the pipeline stage that turns the decoded preamble into an Info
// and attaches it. It handles exactly one header, then leaves the chain.
type Handler struct {
	target Attacher
	log    *zerolog.Logger
}

// NewHandler returns a preamble handler stage attaching to target.
func NewHandler(target Attacher, log *zerolog.Logger) *Handler {
	return &Handler{target: target, log: log}
}

func (h *Handler) HandleRead(ctx *pipeline.Context, msg any) error {
	header, ok := msg.(*proxyproto.Header)
	if !ok {
		return ctx.FireRead(msg)
	}
	defer ctx.RemoveSelf()

	if !header.Command.IsProxy() {
		h.log.Debug().Msg("PROXY Protocol LOCAL command received (health check)")
		return nil
	}

	info := FromPreamble(header)
	if info == nil {
		h.log.Debug().Str("transport", TransportName(header.TransportProtocol)).
			Msg("PROXY Protocol header carries no source address")
		return nil
	}
	if h.target.AttachProxyInfo(info) {
		h.log.Debug().Stringer("proxy_info", info).Msg("PROXY Protocol")
	}
	return nil
}

// FromPreamble builds an Info from a PROXY command header. It returns nil when
// the header has no usable source address.
func FromPreamble(header *proxyproto.Header) *Info {
	clientIP, _ := addrParts(header.SourceAddr)
	if clientIP == "" {
		return nil
	}

	b := Builder{
		ClientIP: clientIP,
		Chain:    []string{clientIP},
		Source:   SourceProxyProtocolV2,
	}
	if header.Version == 1 {
		b.Source = SourceProxyProtocolV1
	}
	if host, port := addrParts(header.DestinationAddr); host != "" || port != 0 {
		b.Metadata = &Metadata{
			Protocol: TransportName(header.TransportProtocol),
			Host:     host,
			Port:     port,
		}
	}
	return b.Build()
}

func addrParts(addr net.Addr) (string, int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil || a.IP == nil {
			return "", 0
		}
		return a.IP.String(), a.Port
	case *net.UDPAddr:
		if a == nil || a.IP == nil {
			return "", 0
		}
		return a.IP.String(), a.Port
	case *net.UnixAddr:
		if a == nil {
			return "", 0
		}
		return a.Name, 0
	default:
		return "", 0
	}
}

// TransportName names the proxied transport the way HAProxy does.
func TransportName(p proxyproto.AddressFamilyAndProtocol) string {
	switch p {
	case proxyproto.TCPv4:
		return "TCP4"
	case proxyproto.TCPv6:
		return "TCP6"
	case proxyproto.UDPv4:
		return "UDP4"
	case proxyproto.UDPv6:
		return "UDP6"
	case proxyproto.UnixStream:
		return "UNIX_STREAM"
	case proxyproto.UnixDatagram:
		return "UNIX_DGRAM"
	default:
		return "UNKNOWN"
	}
}
