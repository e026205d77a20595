package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/blockplane/blockplane/internal/logging"
)

// generateAPIKey generates a valid API key of specified length
func generateAPIKey(length int) string {
	key := make([]byte, length)
	for i := range key {
		key[i] = 'a' + byte(i%26)
	}
	return string(key)
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{
			name:     "valid key - exactly 32 chars",
			key:      generateAPIKey(32),
			expected: true,
		},
		{
			name:     "valid key - longer than 32 chars",
			key:      generateAPIKey(64),
			expected: true,
		},
		{
			name:     "invalid key - too short",
			key:      generateAPIKey(31),
			expected: false,
		},
		{
			name:     "invalid key - empty string",
			key:      "",
			expected: false,
		},
		{
			name:     "invalid key - 32 spaces",
			key:      "                                ",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateAPIKey(tt.key))
		})
	}
}

func newAuthApp(apiKeys []string, enabled bool) *fiber.App {
	logger := logging.NewWithWriter(io.Discard, zerolog.Disabled)
	app := fiber.New()
	app.Use(APIKeyAuth(logger, apiKeys, enabled))
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})
	return app
}

func TestAPIKeyAuth(t *testing.T) {
	apiKey := generateAPIKey(32)

	t.Run("disabled auth allows everything", func(t *testing.T) {
		app := newAuthApp(nil, false)
		req := httptest.NewRequest("GET", "/ping", nil)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		app := newAuthApp([]string{apiKey}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		app := newAuthApp([]string{apiKey}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-API-Key", generateAPIKey(33))
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("X-API-Key header accepted", func(t *testing.T) {
		app := newAuthApp([]string{apiKey}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-API-Key", apiKey)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		app := newAuthApp([]string{apiKey}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("Authorization", "Bearer "+apiKey)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("bare authorization header accepted", func(t *testing.T) {
		app := newAuthApp([]string{apiKey}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("Authorization", apiKey)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})

	t.Run("keys below minimum length never authenticate", func(t *testing.T) {
		short := generateAPIKey(8)
		app := newAuthApp([]string{short}, true)
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-API-Key", short)
		resp, err := app.Test(req)
		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("abc"))
	assert.Equal(t, "abcd****", maskAPIKey("abcdefgh"))
}
