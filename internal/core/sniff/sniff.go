// Package sniff decides, from the first bytes of a connection, whether it is
// a WebSocket upgrade or a vanilla raw session.
package sniff

import (
	"bytes"

	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/shared/errors"
)

// Name is the stage name of the sniffer.
const Name = "sniffer"

// detectionBytes is how many leading bytes decide the branch.
const detectionBytes = 3

var httpGet = []byte("GET")

// Mode is the branch reported by Established.
type Mode int

const (
	ModeRaw Mode = iota + 1
	ModeWebSocket
)

func (m Mode) String() string {
	if m == ModeWebSocket {
		return "websocket"
	}
	return "raw"
}

// Established is fired as a pipeline event once a branch is committed and
// application bytes are about to flow.
type Established struct {
	Mode Mode
}

// HTTPBranch installs the WebSocket handshake stages. It must replace the
// sniffer with the HTTP decoder under the name it returns, so the cumulated
// bytes can be forwarded into it.
type HTTPBranch func(ctx *pipeline.Context) error

// Sniffer is the first stage after the optional PROXY preamble stages.
type Sniffer struct {
	disableVanilla bool
	installHTTP    HTTPBranch
	log            *zerolog.Logger
	buf            []byte
}

// New returns a sniffer. installHTTP is called on the WebSocket branch.
func New(disableVanilla bool, installHTTP HTTPBranch, log *zerolog.Logger) *Sniffer {
	return &Sniffer{disableVanilla: disableVanilla, installHTTP: installHTTP, log: log}
}

func (s *Sniffer) HandleRead(ctx *pipeline.Context, msg any) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireRead(msg)
	}
	s.buf = append(s.buf, data...)
	if len(s.buf) < detectionBytes {
		return nil
	}

	buffered := s.buf
	s.buf = nil

	if bytes.EqualFold(buffered[:detectionBytes], httpGet) {
		s.log.Debug().Msg("Websocket connection")
		if err := s.installHTTP(ctx); err != nil {
			return err
		}
		return ctx.FireRead(buffered)
	}

	if s.disableVanilla {
		remote := ctx.Channel().RemoteAddr()
		s.log.Warn().Stringer("remote_addr", remote).Msg("Rejected vanilla TCP connection (vanilla TCP is disabled)")
		return errors.Protocol("Vanilla TCP connections are disabled. Please connect using WebSocket protocol (ws:// or wss://)").WithRemote(remote)
	}

	s.log.Debug().Msg("Raw TCP connection")
	if err := ctx.FireEvent(Established{Mode: ModeRaw}); err != nil {
		return err
	}
	if err := ctx.RemoveSelf(); err != nil {
		return err
	}
	return ctx.FireRead(buffered)
}
