// Package wshandler exposes a server.Handler over websocket connections.
//
// Each upgraded connection becomes one subscription connection. When an
// authenticator is configured, the bearer token presented with the upgrade
// request establishes the connection's caller identity.
package wshandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/subscription-transport-go/identity"
	"github.com/ggoodman/subscription-transport-go/identity/jwtauth"
	"github.com/ggoodman/subscription-transport-go/internal/logctx"
	"github.com/ggoodman/subscription-transport-go/protocol"
	"github.com/ggoodman/subscription-transport-go/server"
	"github.com/ggoodman/subscription-transport-go/transport"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	accessTokenParam      = "access_token"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAuthenticator requires a valid bearer token on every upgrade request.
func WithAuthenticator(a identity.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithCheckOrigin replaces the upgrader's origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler upgrades HTTP requests to websocket subscription connections.
type Handler struct {
	srv      *server.Handler
	auth     identity.Authenticator
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New returns a Handler serving connections through srv.
func New(srv *server.Handler, opts ...Option) *Handler {
	h := &Handler{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Descriptor is the JSON document served to non-upgrade requests.
type Descriptor struct {
	Channel       string   `json:"channel"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
	Auth          bool     `json:"auth"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !websocket.IsWebSocketUpgrade(r) {
		h.serveDescriptor(w, r)
		return
	}

	var userID string
	if h.auth != nil {
		ui, ok := h.authenticate(w, r)
		if !ok {
			return
		}
		userID = ui.UserID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.InfoContext(ctx, "wshandler.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{UserID: userID, RemoteAddr: r.RemoteAddr})
	if err := h.srv.Serve(ctx, transport.NewWebsocketFrames(conn), userID); err != nil {
		h.log.InfoContext(ctx, "wshandler.serve.end", slog.String("err", err.Error()))
	}
}

func (h *Handler) serveDescriptor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "this endpoint serves application/json or websocket upgrades")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(Descriptor{
		Channel:       protocol.SubscriptionChannel,
		Methods:       []string{string(protocol.SubMethod), string(protocol.UnsubMethod), string(protocol.SubscribeMethod), string(protocol.UnsubscribeMethod)},
		Notifications: []string{string(protocol.ConnectedMethod), string(protocol.ChangedMethod)},
		Auth:          h.auth != nil,
	})
}

// authenticate checks the bearer token of r, writing the rejection itself
// when it fails. Browsers cannot set headers on websocket upgrades, so the
// token is also accepted as the access_token query parameter.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (identity.UserInfo, bool) {
	ctx := r.Context()

	tok := r.URL.Query().Get(accessTokenParam)
	if authHeader := r.Header.Get(authorizationHeader); authHeader != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			w.Header().Add(wwwAuthenticateHeader, `Bearer error="invalid_request"`)
			writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
			return nil, false
		}
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}

	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	ui, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return ui, true
	case errors.Is(err, identity.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.scope", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, `Bearer error="insufficient_scope"`)
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
	default:
		h.log.ErrorContext(ctx, "auth.check.error", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
	}
	return nil, false
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections, before
// any websocket exchange exists.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
