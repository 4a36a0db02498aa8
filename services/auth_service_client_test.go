package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTokenSendsCredentialsAndServiceToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/validate", r.URL.Path)
		assert.Equal(t, "Bearer svc-secret", r.Header.Get("Authorization"))

		var req struct {
			AccessToken string `json:"access_token"`
			DeviceID    string `json:"device_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-123", req.AccessToken)
		assert.Equal(t, "device-1", req.DeviceID)

		json.NewEncoder(w).Encode(ValidateResponse{
			UserID:   "user-a",
			DeviceID: req.DeviceID,
			Roles:    []string{"member", "admin"},
		})
	}))
	defer srv.Close()

	client := NewAuthServiceClient(srv.URL, "svc-secret")
	resp, err := client.ValidateToken("tok-123", "device-1")
	require.NoError(t, err)
	assert.Equal(t, "user-a", resp.UserID)
	assert.Equal(t, "device-1", resp.DeviceID)
	assert.Equal(t, []string{"member", "admin"}, resp.Roles)
}

func TestValidateTokenNonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewAuthServiceClient(srv.URL, "svc-secret")
	_, err := client.ValidateToken("tok-old", "device-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
