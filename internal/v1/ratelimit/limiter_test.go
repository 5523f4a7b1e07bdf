package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireomeet/sfu-core/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "10-M",
		RateLimitWsIP:      "3-M",
		RateLimitWsUser:    "2-M",
	}
}

func newRedisLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rl, err := NewRateLimiter(testConfig(), rc)
	require.NoError(t, err)
	return rl
}

func wsContext(ip string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws/rooms/standup", nil)
	c.Request.RemoteAddr = ip + ":1234"
	return c, w
}

func TestNewRateLimiter(t *testing.T) {
	t.Run("should fall back to a memory store without redis", func(t *testing.T) {
		rl, err := NewRateLimiter(testConfig(), nil)
		require.NoError(t, err)
		assert.NotNil(t, rl.store)
	})

	t.Run("should reject malformed rate strings", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimitWsIP = "not-a-rate"
		_, err := NewRateLimiter(cfg, nil)
		assert.Error(t, err)
	})
}

func TestCheckWebSocket(t *testing.T) {
	t.Run("should allow connections under the IP limit", func(t *testing.T) {
		rl := newRedisLimiter(t)

		for i := 0; i < 3; i++ {
			c, _ := wsContext("10.0.0.1")
			assert.True(t, rl.CheckWebSocket(c))
		}
	})

	t.Run("should refuse the connection past the IP limit", func(t *testing.T) {
		rl := newRedisLimiter(t)

		var w *httptest.ResponseRecorder
		allowed := true
		for i := 0; i < 4; i++ {
			var c *gin.Context
			c, w = wsContext("10.0.0.2")
			allowed = rl.CheckWebSocket(c)
		}

		assert.False(t, allowed)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("should track IPs independently", func(t *testing.T) {
		rl := newRedisLimiter(t)

		for i := 0; i < 3; i++ {
			c, _ := wsContext("10.0.0.3")
			require.True(t, rl.CheckWebSocket(c))
		}

		c, _ := wsContext("10.0.0.4")
		assert.True(t, rl.CheckWebSocket(c))
	})
}

func TestCheckWebSocketUser(t *testing.T) {
	t.Run("should refuse the user past the limit", func(t *testing.T) {
		rl := newRedisLimiter(t)
		ctx := context.Background()

		require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
		require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
		assert.Error(t, rl.CheckWebSocketUser(ctx, "alice"))

		// A different user is unaffected.
		assert.NoError(t, rl.CheckWebSocketUser(ctx, "bob"))
	})
}

func TestAPIMiddleware(t *testing.T) {
	t.Run("should set rate limit headers and pass", func(t *testing.T) {
		rl := newRedisLimiter(t)

		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(rl.APIMiddleware())
		router.GET("/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
		req.RemoteAddr = "10.0.1.1:1234"
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("should return 429 past the limit", func(t *testing.T) {
		rl := newRedisLimiter(t)

		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(rl.APIMiddleware())
		router.GET("/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })

		var w *httptest.ResponseRecorder
		for i := 0; i < 11; i++ {
			w = httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
			req.RemoteAddr = "10.0.1.2:1234"
			router.ServeHTTP(w, req)
		}

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}
