package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		status int
	}{
		{"valid token", "s3cret", "Bearer s3cret", fiber.StatusOK},
		{"wrong token", "s3cret", "Bearer guess", fiber.StatusUnauthorized},
		{"missing header", "s3cret", "", fiber.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", fiber.StatusUnauthorized},
		{"empty configured token", "", "Bearer ", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Post("/admin", AdminAuth(tt.token), func(c *fiber.Ctx) error { return c.SendString("ok") })

			req := httptest.NewRequest("POST", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
