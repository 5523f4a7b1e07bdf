package transport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/auth"
	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/ratelimit"
	"github.com/vireomeet/sfu-core/internal/v1/room"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// TokenValidator validates host credentials. Satisfied by auth.Validator.
type TokenValidator interface {
	ValidateToken(token string) (*auth.CustomClaims, error)
}

// Hub authenticates websocket upgrades and feeds admitted sockets into the
// room registry. It holds no room state of its own.
type Hub struct {
	registry       *room.Registry
	validator      TokenValidator
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
}

// NewHub wires the websocket edge.
func NewHub(registry *room.Registry, validator TokenValidator, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		registry:       registry,
		validator:      validator,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
	}
}

// ServeWs authenticates the request, upgrades it, and runs the join funnel.
//
// Identity rules: a valid credential's subject becomes the user key and its
// scope decides host privileges; without a credential the socket joins as a
// guest keyed by its session id. A present-but-invalid credential is always
// rejected rather than downgraded.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response written by CheckWebSocket
	}

	tokenResult := extractToken(c)
	var claims *auth.CustomClaims
	if tokenResult.Token != "" {
		var err error
		claims, err = h.validator.ValidateToken(tokenResult.Token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Credential validation failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	identity := resolveIdentity(c, claims)

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), string(identity.JoinInput.UserKey)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	conn, err := upgradeWebSocket(c, h.allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.handleConnection(c, conn, identity)
}

// joinIdentity is everything the admission pipeline needs from the edge.
type joinIdentity struct {
	ChannelID types.ChannelID
	JoinInput room.JoinInput
}

// resolveIdentity derives the (userKey, sessionId) pair and the join
// parameters from the request and optional credential claims.
func resolveIdentity(c *gin.Context, claims *auth.CustomClaims) joinIdentity {
	sessionID := types.SessionID(c.Query("sessionId"))
	if sessionID == "" {
		sessionID = types.SessionID(uuid.NewString())
	}

	var userKey types.UserKey
	isHost := false
	displayName := types.DisplayName(c.Query("username"))
	if claims != nil {
		userKey = types.UserKey(claims.Subject)
		if claims.Email != "" {
			userKey = types.UserKey(claims.Email)
		}
		isHost = claims.HasHostScope()
		if displayName == "" && claims.Name != "" {
			displayName = types.DisplayName(claims.Name)
		}
	} else {
		userKey = types.GuestKey(sessionID)
	}

	clientID := types.ClientID(c.Query("clientId"))
	if clientID == "" {
		clientID = "default"
	}
	channelID := types.MakeChannelID(clientID, types.RoomID(c.Param("roomId")))

	return joinIdentity{
		ChannelID: channelID,
		JoinInput: room.JoinInput{
			UserKey:          userKey,
			SessionID:        sessionID,
			DisplayName:      displayName,
			Role:             types.Role(c.Query("role")),
			InviteCode:       c.Query("inviteCode"),
			SignedLink:       c.Query("wt"),
			IsHostCredential: isHost,
		},
	}
}

// handleConnection runs the join attempt for an upgraded socket and starts
// the pumps. The admission outcome, success or failure, always reaches the
// client as an admissionResult message.
func (h *Hub) handleConnection(c *gin.Context, conn wsConnection, identity joinIdentity) {
	userID := types.MakeUserID(identity.JoinInput.UserKey, identity.JoinInput.SessionID)
	client := newClient(conn, h, identity.ChannelID, userID)
	identity.JoinInput.Conn = client

	metrics.IncConnection()
	go client.writePump()

	ctx := context.WithValue(c.Request.Context(), logging.ChannelIDKey, string(identity.ChannelID))
	result, err := h.registry.Join(ctx, identity.ChannelID, identity.JoinInput)
	if err != nil {
		logging.Info(ctx, "Join rejected",
			zap.String("userKey", logging.RedactUserKey(string(identity.JoinInput.UserKey))),
			zap.String("reason", string(types.KindOf(err))))
		client.Send(room.EventAdmissionResult, types.AckPayload{Error: string(types.KindOf(err))})
		client.Disconnect()
		// The write pump owns the socket teardown; readPump never started,
		// so decrement here once the close frame is queued.
		metrics.DecConnection()
		return
	}

	client.Send(room.EventAdmissionResult, result)
	go client.readPump()
}
