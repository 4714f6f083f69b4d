// Package handshake completes the WebSocket upgrade on a connection the
// sniffer routed to the HTTP branch, then swaps the HTTP stages for the frame
// stages.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wsgate/internal/core/pipeline"
	"wsgate/internal/core/sniff"
	"wsgate/internal/core/wsframe"
	"wsgate/internal/shared/errors"
)

// Stage names.
const (
	CodecName = "http-codec"
	Name      = "handshake"
)

const (
	websocketVersion = "13"
	acceptGUID       = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

// Config parameterizes the HTTP branch of one connection.
type Config struct {
	// Endpoint is the required request path. Empty accepts any path.
	Endpoint         string
	MaxContentLength int
	MaxFramePayload  int
	Frames           wsframe.Options
	// OnHandshake runs with the validated request before the 101 reply.
	OnHandshake func(req *http.Request)
	Log         *zerolog.Logger
}

// Branch returns the sniffer hook that installs the HTTP codec in place of
// the sniffer and the handshake stage right after it.
func Branch(cfg Config) sniff.HTTPBranch {
	return func(ctx *pipeline.Context) error {
		if err := ctx.ReplaceSelf(CodecName, NewCodec(cfg.MaxContentLength, cfg.Log)); err != nil {
			return err
		}
		return ctx.AddAfter(CodecName, Name, New(cfg))
	}
}

// Handler validates the upgrade request and answers it.
type Handler struct {
	cfg Config
}

// New returns a handshake stage.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

func (h *Handler) HandleRead(ctx *pipeline.Context, msg any) error {
	req, ok := msg.(*http.Request)
	if !ok {
		return ctx.FireRead(msg)
	}
	log := h.cfg.Log

	if h.cfg.Endpoint != "" && req.URL.Path != h.cfg.Endpoint {
		return h.reject(ctx, http.StatusNotFound, nil,
			errors.Protocol("handshake path %q does not match the WebSocket endpoint", req.URL.Path))
	}
	if req.Method != http.MethodGet {
		return h.reject(ctx, http.StatusMethodNotAllowed, nil,
			errors.Protocol("handshake method %q is not GET", req.Method))
	}
	if !websocket.IsWebSocketUpgrade(req) {
		return h.reject(ctx, http.StatusBadRequest, nil, errors.Protocol("request is not a WebSocket upgrade"))
	}
	if req.Header.Get("Sec-WebSocket-Version") != websocketVersion {
		return h.reject(ctx, http.StatusUpgradeRequired, http.Header{"Sec-Websocket-Version": {websocketVersion}},
			errors.Protocol("unsupported WebSocket version %q", req.Header.Get("Sec-WebSocket-Version")))
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return h.reject(ctx, http.StatusBadRequest, nil, errors.Protocol("missing Sec-WebSocket-Key"))
	}

	log.Debug().Str("path", req.URL.RequestURI()).Str("host", req.Host).Msg("WebSocket handshake")
	if h.cfg.OnHandshake != nil {
		h.cfg.OnHandshake(req)
	}

	resp := &http.Response{
		StatusCode: http.StatusSwitchingProtocols,
		Header: http.Header{
			"Upgrade":              {"websocket"},
			"Connection":           {"Upgrade"},
			"Sec-Websocket-Accept": {AcceptKey(key)},
		},
	}
	if err := ctx.Write(resp); err != nil {
		return err
	}
	if err := ctx.FireEvent(sniff.Established{Mode: sniff.ModeWebSocket}); err != nil {
		return err
	}
	if err := ctx.ReplaceSelf(wsframe.AdapterName, wsframe.NewServerAdapter(h.cfg.Frames, log)); err != nil {
		return err
	}
	// replacing the HTTP codec flushes any bytes sent right after the
	// request into the frame codec
	return ctx.Replace(CodecName, wsframe.CodecName, wsframe.NewCodec(h.cfg.MaxFramePayload, log))
}

func (h *Handler) reject(ctx *pipeline.Context, status int, extra http.Header, err *errors.Error) error {
	h.cfg.Log.Debug().Int("status", status).Err(err).Msg("WebSocket handshake rejected")
	_ = ctx.Write(errorResponse(status, extra))
	_ = ctx.Close()
	return err.WithRemote(ctx.Channel().RemoteAddr())
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
