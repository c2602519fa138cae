package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLimitsPerClient(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 2})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	do := func(user string) int {
		req := httptest.NewRequest("GET", "/", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, do("alice"))
	assert.Equal(t, fiber.StatusNoContent, do("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("alice"))
	assert.Equal(t, fiber.StatusNoContent, do("bob"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{IdleTTL: time.Minute})
	defer rl.Stop()

	start := time.Now()
	assert.True(t, rl.allow("a", start))
	assert.True(t, rl.allow("b", start.Add(2*time.Minute)))

	assert.Equal(t, 1, rl.evictIdle(start.Add(150*time.Second)))
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "b")
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
