package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-trades/internal/utils"
)

func newApp(jwtService *utils.JWTService) *fiber.App {
	app := fiber.New()
	app.Use(AuthMiddleware(jwtService))
	app.Get("/me", func(c fiber.Ctx) error {
		id, ok := UserID(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(id.String())
	})
	return app
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	app := newApp(jwtService)
	userID := uuid.New()
	token, err := jwtService.GenerateToken(userID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"без заголовка", "", fiber.StatusUnauthorized},
		{"не Bearer", "Basic abc", fiber.StatusUnauthorized},
		{"битый токен", "Bearer abc", fiber.StatusUnauthorized},
		{"валидный токен", "Bearer " + token, fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}
