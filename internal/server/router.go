package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/realtime/internal/metrics"
	"github.com/Tyrowin/realtime/internal/protocol"
	"github.com/Tyrowin/realtime/internal/ratelimit"
)

// Router decodes client frames and turns them into registry operations.
// Handle is called from a connection's read loop, so frames of one
// connection are routed strictly in order.
type Router struct {
	registry     *Registry
	limiter      ratelimit.Limiter
	limitTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewRouter returns a router over registry. A nil limiter disables
// message-time rate limiting.
func NewRouter(registry *Registry, limiter ratelimit.Limiter, limitTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		registry:     registry,
		limiter:      limiter,
		limitTimeout: limitTimeout,
		logger:       logger.Named("router"),
		metrics:      m,
		now:          time.Now,
	}
}

// Handle routes one raw frame from connID. sourceKey is the rate-limit key
// of the sender, normally its network address.
func (rt *Router) Handle(ctx context.Context, connID, sourceKey string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("recovered from panic while routing frame",
				zap.String("conn_id", connID),
				zap.Any("panic", r),
			)
		}
	}()

	if !rt.allow(ctx, connID, sourceKey) {
		return
	}

	msg, err := protocol.DecodeInbound(raw)
	if err != nil {
		rt.metrics.InboundFrame("malformed")
		rt.logger.Debug("malformed frame", zap.String("conn_id", connID), zap.Error(err))
		rt.replyError(connID, malformedReason(err))
		return
	}
	kind := msg.Kind()
	if _, ok := msg.(protocol.Unknown); ok {
		kind = "unknown"
	}
	rt.metrics.InboundFrame(kind)
	rt.dispatch(connID, msg)
}

// allow consumes one action from the sender's quota. An exhausted quota
// answers with an error frame and drops the frame; an unreachable store
// lets the frame through.
func (rt *Router) allow(ctx context.Context, connID, sourceKey string) bool {
	if rt.limiter == nil {
		return true
	}

	if rt.limitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.limitTimeout)
		defer cancel()
	}

	err := rt.limiter.Consume(ctx, sourceKey)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrRateLimited):
		rt.metrics.RateLimit(metrics.PhaseMessage)
		rt.logger.Debug("message rate limited", zap.String("conn_id", connID), zap.String("source", sourceKey))
		rt.replyError(connID, "rate limit exceeded")
		return false
	default:
		rt.logger.Warn("rate limiter unavailable, allowing message",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return true
	}
}

func (rt *Router) dispatch(connID string, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Ping:
		rt.reply(connID, protocol.NewPong(rt.now()))

	case protocol.JoinRoom:
		if err := rt.registry.JoinRoom(connID, m.RoomID); err != nil {
			rt.logger.Debug("join_room for gone connection", zap.String("conn_id", connID), zap.Error(err))
			return
		}
		rt.reply(connID, protocol.NewRoomJoined(m.RoomID))

	case protocol.LeaveRoom:
		if err := rt.registry.LeaveRoom(connID, m.RoomID); err != nil {
			rt.logger.Debug("leave_room for gone connection", zap.String("conn_id", connID), zap.Error(err))
			return
		}
		rt.reply(connID, protocol.NewRoomLeft(m.RoomID))

	case protocol.RoomMessage:
		relay := protocol.NewRoomRelay(m.RoomID, m.Message, connID, rt.now())
		n := rt.registry.SendToRoom(m.RoomID, relay, connID)
		rt.logger.Debug("room message relayed", zap.String("room", m.RoomID), zap.Int("delivered", n))

	case protocol.PrivateMessage:
		relay := protocol.NewPrivateRelay(m.Message, connID, rt.now())
		n := rt.registry.SendToUser(m.TargetUserID, relay)
		rt.logger.Debug("private message relayed", zap.String("target", m.TargetUserID), zap.Int("delivered", n))

	case protocol.Unknown:
		rt.logger.Warn("unknown message type", zap.String("conn_id", connID), zap.String("type", m.Type))

	default:
		rt.logger.Warn("unhandled message kind", zap.String("conn_id", connID), zap.String("kind", fmt.Sprintf("%T", m)))
	}
}

func (rt *Router) reply(connID string, msg protocol.Outbound) {
	if err := rt.registry.SendToConnection(connID, msg); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		rt.logger.Debug("reply failed", zap.String("conn_id", connID), zap.String("type", msg.OutboundType()), zap.Error(err))
	}
}

func (rt *Router) replyError(connID, message string) {
	rt.reply(connID, protocol.NewError(message))
}

func malformedReason(err error) string {
	var me *protocol.MalformedMessageError
	if errors.As(err, &me) {
		return "malformed message: " + me.Reason
	}
	return "malformed message"
}
