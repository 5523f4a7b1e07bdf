// Package lifecycle owns the process-level drain gate. While draining, the
// admission pipeline rejects every new join; a forced drain additionally
// notifies and disconnects every connected socket after a bounded notice
// period.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/metrics"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// MaxNoticeMs bounds the grace period between the restart notice and the
// forced disconnect.
const MaxNoticeMs = 30000

// EventServerRestarting is broadcast to every socket before a forced drain
// disconnects it.
const EventServerRestarting types.Event = "serverRestarting"

// RestartingPayload tells clients to expect a reconnect-friendly outage.
type RestartingPayload struct {
	Message      string `json:"message"`
	Reconnecting bool   `json:"reconnecting"`
}

// Target is the surface the drain needs from the room registry. It must not
// hold room locks while iterating; drain works over a channel-id snapshot.
type Target interface {
	// BroadcastAll delivers an event to every member and pending socket of
	// every room, best effort.
	BroadcastAll(ctx context.Context, event types.Event, payload interface{})
	// DisconnectAll closes every socket.
	DisconnectAll(ctx context.Context)
}

// Request is the drain admin API payload.
type Request struct {
	Draining bool   `json:"draining"`
	Force    bool   `json:"force"`
	Notice   string `json:"notice,omitempty"`
	NoticeMs int    `json:"noticeMs,omitempty"`
}

// Manager carries the drain flag for the process.
type Manager struct {
	draining atomic.Bool
}

func NewManager() *Manager {
	return &Manager{}
}

// Draining reports whether new joins should be rejected.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// CheckAdmission is the admission pipeline's drain gate.
func (m *Manager) CheckAdmission() error {
	if m.draining.Load() {
		return types.ErrDraining
	}
	return nil
}

func (m *Manager) setDraining(ctx context.Context, draining bool) {
	if m.draining.Swap(draining) == draining {
		return
	}
	if draining {
		metrics.Draining.Set(1)
		logging.Warn(ctx, "Drain enabled, rejecting new joins")
	} else {
		metrics.Draining.Set(0)
		logging.Info(ctx, "Drain disabled")
	}
}

// Drain applies a drain request. A forced drain notifies all sockets, waits
// the clamped notice period and disconnects everyone. The call blocks for
// the notice period; admin handlers run it in a goroutine.
func (m *Manager) Drain(ctx context.Context, req Request, target Target) {
	m.setDraining(ctx, req.Draining)

	if !req.Draining || !req.Force {
		return
	}

	notice := req.NoticeMs
	if notice < 0 {
		notice = 0
	}
	if notice > MaxNoticeMs {
		notice = MaxNoticeMs
	}

	message := req.Notice
	if message == "" {
		message = "Server is restarting"
	}

	logging.Warn(ctx, "Forced drain started",
		zap.Int("noticeMs", notice),
		zap.String("notice", message))

	target.BroadcastAll(ctx, EventServerRestarting, RestartingPayload{
		Message:      message,
		Reconnecting: true,
	})

	if notice > 0 {
		timer := time.NewTimer(time.Duration(notice) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	target.DisconnectAll(ctx)
	logging.Warn(ctx, "Forced drain finished, all sockets disconnected")
}
