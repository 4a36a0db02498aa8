package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"atlas-run-service/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

func TestGatewayAuthMiddleware(t *testing.T) {
	t.Setenv("ATLAS_SERVICE_TOKEN", "svc-secret")

	app := fiber.New()
	app.Use(GatewayAuthMiddleware())
	app.Get("/ping", okHandler)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", 401},
		{"wrong token", "Bearer nope", 401},
		{"bearer token", "Bearer svc-secret", 200},
		{"raw token without prefix", "svc-secret", 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestGatewayAuthMiddlewareLetsStreamRoutesThrough(t *testing.T) {
	t.Setenv("ATLAS_SERVICE_TOKEN", "svc-secret")

	app := fiber.New()
	app.Use(GatewayAuthMiddleware())
	app.Get("/sessions/:id/members/stream", okHandler)

	// EventSource cannot set an Authorization header; the stream routes
	// authenticate via query params downstream.
	req := httptest.NewRequest("GET", "/sessions/s1/members/stream", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestUserContextMiddlewareSetsLocals(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id": c.Locals("user_id"),
			"roles":   c.Locals("user_roles"),
		})
	})

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("X-User-ID", "user-a")
	req.Header.Set("X-User-Roles", "member, admin")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "user-a", body["user_id"])
	assert.Equal(t, []any{"member", "admin"}, body["roles"])
}

func TestUserContextMiddlewareRejectsMissingUser(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	app.Get("/whoami", okHandler)

	resp, err := app.Test(httptest.NewRequest("GET", "/whoami", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestRequireRole(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	app.Get("/admin", RequireRole("admin"), okHandler)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-User-ID", "user-a")
	req.Header.Set("X-User-Roles", "member")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-User-ID", "user-a")
	req.Header.Set("X-User-Roles", "member,admin")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestSSEAuthMiddleware(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccessToken string `json:"access_token"`
			DeviceID    string `json:"device_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.AccessToken != "good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":   "user-a",
			"device_id": req.DeviceID,
			"roles":     []string{"member"},
		})
	}))
	defer authSrv.Close()

	client := &services.AuthServiceClient{
		BaseURL: authSrv.URL,
		Token:   "svc-secret",
		Client:  authSrv.Client(),
	}

	app := fiber.New()
	app.Get("/stream", SSEAuthMiddleware(client), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id")})
	})

	// missing params
	resp, err := app.Test(httptest.NewRequest("GET", "/stream", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	// rejected token
	resp, err = app.Test(httptest.NewRequest("GET", "/stream?token=bad&device_id=d1", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	// valid token populates locals from the auth service response
	resp, err = app.Test(httptest.NewRequest("GET", "/stream?token=good-token&device_id=d1", nil), -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "user-a", body["user_id"])
}
