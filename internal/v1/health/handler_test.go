package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireomeet/sfu-core/internal/v1/lifecycle"
	"github.com/vireomeet/sfu-core/internal/v1/media"
	"github.com/vireomeet/sfu-core/internal/v1/types"
)

// fakeEngine is a media.Engine with a controllable worker count.
type fakeEngine struct {
	workers int
}

func (e *fakeEngine) RTPCapabilities() webrtc.RTPCapabilities { return webrtc.RTPCapabilities{} }

func (e *fakeEngine) CreateRouter(ctx context.Context, channelID types.ChannelID) (media.Router, error) {
	return nil, types.ErrMediaEngine
}

func (e *fakeEngine) HealthyWorkers() int { return e.workers }

func (e *fakeEngine) Close() error { return nil }

func probe(t *testing.T, h *Handler, serve func(*gin.Context)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	serve(c)
	return w
}

func TestLiveness(t *testing.T) {
	t.Run("should return 200 regardless of dependencies", func(t *testing.T) {
		h := NewHandler(nil, &fakeEngine{workers: 0}, nil)

		w := probe(t, h, h.Liveness)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "alive")
		assert.Contains(t, w.Body.String(), "timestamp")
	})
}

func TestReadiness(t *testing.T) {
	t.Run("should be ready with healthy workers and no redis", func(t *testing.T) {
		h := NewHandler(nil, &fakeEngine{workers: 4}, lifecycle.NewManager())

		w := probe(t, h, h.Readiness)

		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, "ready")
		assert.Contains(t, body, "redis")
		assert.Contains(t, body, "media_engine")
	})

	t.Run("should report unavailable when all workers are dead", func(t *testing.T) {
		h := NewHandler(nil, &fakeEngine{workers: 0}, nil)

		w := probe(t, h, h.Readiness)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "unavailable")
	})

	t.Run("should report unavailable while draining", func(t *testing.T) {
		drain := lifecycle.NewManager()
		drain.Drain(context.Background(), lifecycle.Request{Draining: true}, nil)

		h := NewHandler(nil, &fakeEngine{workers: 4}, drain)

		w := probe(t, h, h.Readiness)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "draining")
	})
}
