package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"inquirychat/internal/auth"
	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// InboundHandler processes one data frame from an admitted connection
type InboundHandler interface {
	HandleInbound(ctx context.Context, conn interfaces.Connection, sender *types.User, data []byte)
}

const admissionTimeout = 10 * time.Second

// HandlerConfig carries the transport tunables
type HandlerConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	AllowedOrigins  []string
}

// MaxFrameBytes is the default read limit. A client may escape every byte of
// a maximum length content as \uXXXX, so the limit leaves six bytes per
// content byte plus room for the envelope.
const MaxFrameBytes = 6*types.MaxContentBytes + 4096

// DefaultHandlerConfig returns the heartbeat and buffer settings used when
// nothing is configured
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxMessageSize:  MaxFrameBytes,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Handler admits websocket connections to an inquiry channel and runs their
// read pumps
type Handler struct {
	registry   *Registry
	verifier   interfaces.TokenVerifier
	resolver   interfaces.IdentityResolver
	authorizer interfaces.InquiryAuthorizer
	inbound    InboundHandler
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	// mu orders closing against Register and wg.Add so that Wait never
	// races with a late admission
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHandler wires the admission collaborators and the inbound message
// handler
func NewHandler(
	registry *Registry,
	verifier interfaces.TokenVerifier,
	resolver interfaces.IdentityResolver,
	authorizer interfaces.InquiryAuthorizer,
	inbound InboundHandler,
	config HandlerConfig,
	logger zerolog.Logger,
) *Handler {
	h := &Handler{
		registry:   registry,
		verifier:   verifier,
		resolver:   resolver,
		authorizer: authorizer,
		inbound:    inbound,
		config:     config,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// admission is the outcome of checking a connection attempt
type admission struct {
	user      *types.User
	inquiryID int64
	code      int
	reason    string
	err       error
}

// HandleWebSocket upgrades first so that every admission failure can be
// reported as a close frame carrying a reason, then admits or rejects.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := NewConnection(ws, h.config.WriteTimeout)

	// The request context is not reliable once the connection is hijacked
	ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
	result := h.admit(ctx, r)
	cancel()
	if result.err != nil {
		h.logger.Info().
			Err(result.err).
			Int64("inquiry_id", result.inquiryID).
			Str("reason", result.reason).
			Msg("connection rejected")
		_ = conn.CloseWithReason(result.code, result.reason)
		return
	}

	conn.SetIdentity(result.user.ID, result.inquiryID)
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.logger.Info().
			Int64("user_id", result.user.ID).
			Int64("inquiry_id", result.inquiryID).
			Msg("connection rejected during shutdown")
		_ = conn.CloseWithReason(websocket.CloseGoingAway, ReasonShutdown)
		return
	}
	superseded, err := h.registry.Register(conn)
	if err != nil {
		h.mu.Unlock()
		h.logger.Error().Err(err).Msg("failed to register connection")
		_ = conn.CloseWithReason(websocket.CloseInternalServerErr, ReasonInternal)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	if superseded != nil {
		h.logger.Info().
			Int64("user_id", result.user.ID).
			Int64("inquiry_id", result.inquiryID).
			Msg("closing superseded connection")
		go func() {
			_ = superseded.CloseWithReason(websocket.CloseNormalClosure, ReasonSuperseded)
		}()
	}

	h.logger.Info().
		Int64("user_id", result.user.ID).
		Int64("inquiry_id", result.inquiryID).
		Str("conn_id", conn.ID()).
		Msg("connection admitted")

	if err := conn.WriteJSON(types.ConnectedEvent()); err != nil {
		h.logger.Warn().Err(err).Msg("failed to send connected event")
	}

	go func() {
		defer h.wg.Done()
		h.handleConnection(conn, result.user)
	}()
}

// admit runs the admission checks in order: parameters, credential,
// account, then membership
func (h *Handler) admit(ctx context.Context, r *http.Request) admission {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); header != "" {
			token, _ = auth.BearerToken(header)
		}
	}
	rawInquiry := r.URL.Query().Get("inquiryId")

	if token == "" || rawInquiry == "" {
		return admission{
			code:   websocket.CloseInvalidFramePayloadData,
			reason: ReasonBadRequest,
			err:    errors.New("missing token or inquiryId"),
		}
	}
	inquiryID, err := strconv.ParseInt(rawInquiry, 10, 64)
	if err != nil || inquiryID <= 0 {
		return admission{
			code:   websocket.CloseInvalidFramePayloadData,
			reason: ReasonBadRequest,
			err:    errors.New("malformed inquiryId"),
		}
	}

	user, err := auth.Authenticate(ctx, h.verifier, h.resolver, token)
	if err != nil {
		if errors.Is(err, types.ErrUnauthenticated) {
			return admission{
				inquiryID: inquiryID,
				code:      websocket.CloseInvalidFramePayloadData,
				reason:    ReasonUnauthenticated,
				err:       err,
			}
		}
		return admission{inquiryID: inquiryID, code: websocket.CloseInternalServerErr, reason: ReasonInternal, err: err}
	}

	ok, err := h.authorizer.IsParticipant(ctx, inquiryID, user.ID)
	if err != nil {
		return admission{inquiryID: inquiryID, code: websocket.CloseInternalServerErr, reason: ReasonInternal, err: err}
	}
	if !ok {
		return admission{
			inquiryID: inquiryID,
			code:      websocket.CloseInvalidFramePayloadData,
			reason:    ReasonForbidden,
			err:       types.ErrForbidden,
		}
	}

	return admission{user: user, inquiryID: inquiryID}
}

// handleConnection runs the heartbeat and the read pump until the transport
// fails or closes, then tears the session down
func (h *Handler) handleConnection(conn *Connection, user *types.User) {
	defer h.teardown(conn)

	conn.conn.SetReadLimit(h.config.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go func() {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Context().Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Int64("user_id", user.ID).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.inbound.HandleInbound(conn.Context(), conn, user, data)
	}
}

// teardown is idempotent: Unregister only removes this exact connection and
// Close runs once
func (h *Handler) teardown(conn *Connection) {
	removed := h.registry.Unregister(conn)
	_ = conn.Close()
	h.logger.Info().
		Int64("user_id", conn.GetUserID()).
		Int64("inquiry_id", conn.GetInquiryID()).
		Str("conn_id", conn.ID()).
		Bool("unregistered", removed).
		Msg("connection closed")
}

// Shutdown stops admitting connections. Upgrades still completing their
// admission checks are closed with 1001 instead of being registered.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
}

// Wait blocks until every read pump has exited or ctx is done
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
