package room

import (
	"go.uber.org/zap"

	"github.com/vireomeet/sfu-core/internal/v1/logging"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// updateQualityTargetLocked applies the hysteresis rule after membership
// changes. The standard threshold sits below the low threshold so the
// target cannot flap around a single join/leave.
func (r *Room) updateQualityTargetLocked() {
	count := r.participantCountLocked()
	next := r.currentQuality

	switch r.currentQuality {
	case types.VideoQualityStandard:
		if count >= r.deps.Config.LowThreshold {
			next = types.VideoQualityLow
		}
	case types.VideoQualityLow:
		if count <= r.deps.Config.StandardThreshold {
			next = types.VideoQualityStandard
		}
	}

	if next == r.currentQuality {
		return
	}
	r.currentQuality = next
	r.broadcastLocked(EventSetVideoQuality, QualityPayload{Quality: next})

	logging.Info(r.ctx, "Video quality target changed",
		zap.String("channelId", string(r.channelID)),
		zap.String("quality", string(next)),
		zap.Int("participants", count))
}

// Quality returns the current adaptive target.
func (r *Room) Quality() types.VideoQuality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentQuality
}
