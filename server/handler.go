package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ggoodman/subscription-transport-go/connections"
	"github.com/ggoodman/subscription-transport-go/hooks"
	"github.com/ggoodman/subscription-transport-go/internal/jsonrpc"
	"github.com/ggoodman/subscription-transport-go/internal/logctx"
	"github.com/ggoodman/subscription-transport-go/protocol"
	"github.com/ggoodman/subscription-transport-go/transport"
)

// Handler runs the connection protocol for one physical connection at a time
// against a shared Coordinator. It is safe for concurrent Serve calls.
type Handler struct {
	coord *Coordinator
	log   *slog.Logger
	newID func() string
}

// NewHandler returns a Handler serving connections through coord.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord, log: coord.log, newID: uuid.NewString}
}

// Serve announces a new connection on frames, then processes control
// messages until the peer goes away or ctx ends. userID is the caller
// identity established by the transport, "" for anonymous connections.
// Every execution owned by the connection is stopped before Serve returns.
func (h *Handler) Serve(ctx context.Context, frames transport.Frames, userID string) error {
	cs := &connState{
		h:      h,
		id:     h.newID(),
		userID: userID,
		frames: frames,
	}
	cd := &logctx.ConnData{ConnectionID: cs.id, UserID: userID}
	if outer, ok := logctx.ConnDataFrom(ctx); ok {
		cd.RemoteAddr = outer.RemoteAddr
	}
	ctx = logctx.WithConnData(ctx, cd)

	stop := context.AfterFunc(ctx, func() { _ = frames.Close() })
	defer stop()
	defer func() {
		if err := h.coord.Close(context.WithoutCancel(ctx), cs.id); err != nil && !errors.Is(err, connections.ErrConnectionNotFound) {
			h.log.WarnContext(ctx, "server.conn.close_fail", slog.String("err", err.Error()))
		}
		_ = frames.Close()
	}()

	if err := cs.notify(protocol.ConnectedMethod, protocol.ConnectedParams{ConnectionID: cs.id}); err != nil {
		return err
	}
	h.log.InfoContext(ctx, "server.conn.open")

	for {
		b, err := frames.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				h.log.InfoContext(ctx, "server.conn.end")
				return nil
			}
			h.log.InfoContext(ctx, "server.conn.read_fail", slog.String("err", err.Error()))
			return err
		}
		cs.handleFrame(ctx, b)
	}
}

type connState struct {
	h      *Handler
	id     string
	userID string
	frames transport.Frames
}

// Send implements connections.Sender.
func (cs *connState) Send(ctx context.Context, id protocol.SubscriptionID, payload protocol.Payload) error {
	return cs.notify(protocol.ChangedMethod, protocol.ChangedParams{
		Channel: protocol.SubscriptionChannel,
		ID:      id.String(),
		Fields:  payload,
	})
}

func (cs *connState) notify(method protocol.Method, params any) error {
	n, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return cs.write(n)
}

func (cs *connState) write(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return cs.frames.WriteFrame(b)
}

func (cs *connState) handleFrame(ctx context.Context, b []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		cs.h.log.InfoContext(ctx, "server.frame.invalid", slog.String("err", err.Error()))
		_ = cs.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Clients never answer server requests; stray responses are ignored.
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

	result, rpcErr := cs.dispatch(ctx, req)
	if req.ID.IsNil() {
		return
	}

	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		var err error
		if resp, err = jsonrpc.NewResultResponse(req.ID, result); err != nil {
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}
	if err := cs.write(resp); err != nil {
		cs.h.log.InfoContext(ctx, "server.response.write_fail", slog.String("err", err.Error()))
	}
}

func (cs *connState) dispatch(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	coord := cs.h.coord

	switch protocol.Method(req.Method) {
	case protocol.SubMethod:
		var p protocol.ChannelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if p.Channel != protocol.SubscriptionChannel {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "unknown channel: " + p.Channel}
		}
		if coord.Open(cs.id, cs.userID, cs) {
			cs.h.log.InfoContext(ctx, "server.channel.open")
		}
		return struct{}{}, nil

	case protocol.UnsubMethod:
		var p protocol.ChannelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if p.Channel == protocol.SubscriptionChannel {
			_ = coord.Close(ctx, cs.id)
		}
		return struct{}{}, nil

	case protocol.SubscribeMethod:
		var p protocol.SubscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if p.Query == "" {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: query is required"}
		}
		if err := coord.HandleSubscribe(ctx, cs.id, p); err != nil {
			return nil, subscribeError(err)
		}
		return struct{}{}, nil

	case protocol.UnsubscribeMethod:
		var p protocol.UnsubscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if !coord.IsOpen(cs.id) {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: ErrChannelNotOpen.Error()}
		}
		_ = coord.HandleUnsubscribe(ctx, cs.id, p.ID)
		return struct{}{}, nil

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
}

func subscribeError(err error) *jsonrpc.Error {
	var ip *hooks.InvalidParamsError
	switch {
	case errors.Is(err, ErrChannelNotOpen):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: err.Error()}
	case errors.As(err, &ip):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: ip.Error()}
	case errors.Is(err, ErrSubscribeRejected):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeSubscribeRejected, Message: err.Error()}
	case errors.Is(err, ErrSubscribeFailed):
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeSubscribeFailed, Message: err.Error()}
	default:
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "internal error"}
	}
}

var _ connections.Sender = (*connState)(nil)
