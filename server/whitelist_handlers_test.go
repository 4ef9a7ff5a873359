package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func whitelistBody(users ...string) map[string]any {
	commands := make([]map[string]any, 0, len(users))
	for _, u := range users {
		commands = append(commands, map[string]any{
			"user": u,
			"apps": []string{"chrome.exe"},
			"urls": []string{"https://intranet.example.com"},
		})
	}
	return map[string]any{"commands": commands}
}

func fetchWhitelist(t *testing.T, env testEnv, token string) (*httptest.ResponseRecorder, []any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/desktopmdm/getwhitelist", nil)
	req.Header.Set(pushTokenHeader, token)
	resp := serve(env, req)
	if resp.Code != http.StatusOK {
		return resp, nil
	}
	payload := decodeBody(t, resp)
	commands, _ := payload["commands"].([]any)
	return resp, commands
}

func TestGetWhitelistRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	resp := serve(env, httptest.NewRequest(http.MethodGet, "/desktopmdm/getwhitelist", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestGetWhitelistEmptyWithoutDocument(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	resp, commands := fetchWhitelist(t, env, token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Empty(t, commands)
}

func TestWhitelistDeviceDocumentWinsOverGlobal(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	otherUUID := "9b2e8d40-1111-4222-8333-444455556666"
	otherToken := enrollDevice(t, env, otherUUID)

	resp := adminRequest(t, env, http.MethodPost, "/admin/whitelist/global", whitelistBody("everyone"))
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = adminRequest(t, env, http.MethodPost, "/admin/whitelist/"+testFulluuid, whitelistBody("alice"))
	require.Equal(t, http.StatusCreated, resp.Code)

	// Device with its own document gets it.
	resp, commands := fetchWhitelist(t, env, token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, commands, 1)
	require.Equal(t, "alice", commands[0].(map[string]any)["user"])

	// Device without one falls back to the system-wide default.
	resp, commands = fetchWhitelist(t, env, otherToken)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, commands, 1)
	require.Equal(t, "everyone", commands[0].(map[string]any)["user"])
}

func TestWhitelistReplaceIsLatestWins(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	resp := adminRequest(t, env, http.MethodPost, "/admin/whitelist/"+testFulluuid, whitelistBody("alice"))
	require.Equal(t, http.StatusCreated, resp.Code)
	resp = adminRequest(t, env, http.MethodPost, "/admin/whitelist/"+testFulluuid, whitelistBody("bob", "carol"))
	require.Equal(t, http.StatusCreated, resp.Code)

	resp, commands := fetchWhitelist(t, env, token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, commands, 2)
	require.Equal(t, "bob", commands[0].(map[string]any)["user"])
}

func TestWhitelistReplaceValidation(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	resp := adminRequest(t, env, http.MethodPost, "/admin/whitelist/"+testFulluuid, map[string]any{
		"commands": []map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = adminRequest(t, env, http.MethodPost,
		"/admin/whitelist/00000000-0000-0000-0000-000000000000", whitelistBody("alice"))
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestWhitelistFetchTouchesLiveness(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	before, err := env.srv.devices.Get(testFulluuid)
	require.NoError(t, err)

	resp, _ := fetchWhitelist(t, env, token)
	require.Equal(t, http.StatusOK, resp.Code)

	after, err := env.srv.devices.Get(testFulluuid)
	require.NoError(t, err)
	require.NotNil(t, after.LastCheckIn)
	if before.LastCheckIn != nil {
		require.False(t, after.LastCheckIn.Before(*before.LastCheckIn))
	}
}

func TestAdminGetWhitelist(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	resp := adminRequest(t, env, http.MethodGet, "/admin/whitelist/"+testFulluuid, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = adminRequest(t, env, http.MethodPost, "/admin/whitelist/"+testFulluuid, whitelistBody("alice"))
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = adminRequest(t, env, http.MethodGet, "/admin/whitelist/"+testFulluuid, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	payload := decodeBody(t, resp)
	commands := payload["commands"].([]any)
	require.Len(t, commands, 1)
}
