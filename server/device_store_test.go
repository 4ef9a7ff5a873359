package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/larkspur-sec/warden/pkg/config"
	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

const (
	testAdminKey = "test-admin-key"
	testFulluuid = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	testUUID15   = "ABCDE1234567890"
)

type testEnv struct {
	db  *gorm.DB
	srv *Server
	gin *gin.Engine
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:warden-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &Command{}, &AuditLog{}, &WhitelistEntry{}))

	cfg := config.DefaultConfig()
	cfg.AdminAPIKey = testAdminKey
	require.NoError(t, cfg.Validate())

	srv := newServer(db, cfg, zerolog.Nop())
	t.Cleanup(srv.audit.Close)

	return testEnv{db: db, srv: srv, gin: srv.router(zerolog.Nop())}
}

func provisionDevice(t *testing.T, env testEnv, fulluuid string) *Device {
	t.Helper()
	device, err := env.srv.devices.Create(fulluuid, testUUID15, "tester", "")
	require.NoError(t, err)
	return device
}

func enrollDevice(t *testing.T, env testEnv, fulluuid string) string {
	t.Helper()
	provisionDevice(t, env, fulluuid)
	result, err := env.srv.devices.Register(RegistrationInput{
		Fulluuid:     fulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.NoError(t, err)
	return result.Token
}

func TestRegisterRequiresProvisionedDevice(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrNotProvisioned)
}

func TestRegisterRejectsMalformedIdentity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.devices.Register(RegistrationInput{
		Fulluuid: "not-a-uuid", UUID15: testUUID15,
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrValidation)

	_, err = env.srv.devices.Register(RegistrationInput{
		Fulluuid: testFulluuid, UUID15: "short",
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrValidation)
}

func TestRegisterEnrollsPendingDevice(t *testing.T) {
	env := newTestEnv(t)
	provisionDevice(t, env, testFulluuid)

	result, err := env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, result.AlreadyEnrolled)
	require.Len(t, result.Token, 64)
	require.NotNil(t, result.ExpiresAt)

	device := result.Device
	require.Equal(t, lifecycle.DeviceEnrolled, device.Status)
	require.NotNil(t, device.TokenHash)
	require.NotEqual(t, result.Token, *device.TokenHash, "plaintext token must never be stored")
	require.NotNil(t, device.EnrolledAt)

	ttl := time.Until(*result.ExpiresAt)
	require.InDelta(t, (365 * 24 * time.Hour).Hours(), ttl.Hours(), 1)
}

func TestRegisterIsIdempotentWithoutNewToken(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	again, err := env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01-RENAMED",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.2")
	require.NoError(t, err)
	require.True(t, again.AlreadyEnrolled)
	require.Empty(t, again.Token, "re-registration must not mint a second token")
	require.Equal(t, "DESKTOP-01-RENAMED", again.Device.ComputerName)

	// The original token remains the device's credential.
	device, err := env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.2")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceActive, device.Status)
}

func TestRegisterBlockedDevice(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)
	_, err := env.srv.devices.Block(testFulluuid, "tester")
	require.NoError(t, err)

	_, err = env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrBlocked)
}

func TestRegisterRejectedFromNonEnrollableStates(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)
	_, err := env.srv.devices.Suspend(testFulluuid, "tester")
	require.NoError(t, err)

	_, err = env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = env.srv.devices.Wipe(testFulluuid, "tester")
	require.NoError(t, err)
	_, err = env.srv.devices.Register(RegistrationInput{
		Fulluuid:     testFulluuid,
		UUID15:       testUUID15,
		ComputerName: "DESKTOP-01",
		OSName:       "Windows",
		OSVersion:    "11",
	}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestFirstCheckInActivatesDevice(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	device, err := env.srv.devices.CheckIn(token, CheckInInput{OSVersion: "11.1"}, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceActive, device.Status)
	require.True(t, device.IsActive)
	require.NotNil(t, device.LastCheckIn)
	require.Equal(t, "11.1", device.OSVersion)
	require.Equal(t, "10.0.0.5", device.IPAddress)

	// Subsequent check-ins stay ACTIVE.
	device, err = env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceActive, device.Status)
}

func TestCheckInRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	_, err := env.srv.devices.CheckIn("", CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	_, err = env.srv.devices.CheckIn("tooshort", CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidToken)

	wrong := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	_, err = env.srv.devices.CheckIn(wrong, CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidToken)
}

func TestCheckInExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&Device{}).
		Where("fulluuid = ?", testFulluuid).
		Update("token_expires_at", past).Error)

	_, err := env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrTokenExpired)
}

func TestCheckInBlockedAndSuspended(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	_, err := env.srv.devices.Suspend(testFulluuid, "tester")
	require.NoError(t, err)
	_, err = env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrNotOperational)

	_, err = env.srv.devices.Block(testFulluuid, "tester")
	require.NoError(t, err)
	_, err = env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrBlocked)
}

func TestSuspendAndReactivate(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	device, err := env.srv.devices.Suspend(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceSuspended, device.Status)
	require.False(t, device.IsActive)

	// Suspending twice is a transition error, not a no-op.
	_, err = env.srv.devices.Suspend(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	device, err = env.srv.devices.Reactivate(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceEnrolled, device.Status)
	require.True(t, device.IsActive)

	_, err = env.srv.devices.Reactivate(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestSuspendRequiresEnrolledOrActive(t *testing.T) {
	env := newTestEnv(t)
	provisionDevice(t, env, testFulluuid)

	_, err := env.srv.devices.Suspend(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestBlockIsIdempotentButNotFromWiped(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	device, err := env.srv.devices.Block(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceBlocked, device.Status)

	device, err = env.srv.devices.Block(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceBlocked, device.Status)

	_, err = env.srv.devices.Wipe(testFulluuid, "tester")
	require.NoError(t, err)
	_, err = env.srv.devices.Block(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestWipeRevokesTokenAndIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)

	device, err := env.srv.devices.Wipe(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceWiped, device.Status)
	require.Nil(t, device.TokenHash)
	require.Nil(t, device.TokenExpiresAt)

	// Idempotent.
	device, err = env.srv.devices.Wipe(testFulluuid, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.DeviceWiped, device.Status)

	// No escape from the terminal state.
	_, err = env.srv.devices.Reactivate(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	_, err = env.srv.devices.Suspend(testFulluuid, "tester")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	// The revoked token no longer resolves.
	_, err = env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.1")
	require.ErrorIs(t, err, lifecycle.ErrInvalidToken)
}

func TestCreateRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	provisionDevice(t, env, testFulluuid)

	_, err := env.srv.devices.Create(testFulluuid, testUUID15, "tester", "")
	require.ErrorIs(t, err, errDeviceExists)

	// Identity is case-insensitive.
	_, err = env.srv.devices.Create("3F2504E0-4F89-41D3-9A0C-0305E82C3301", testUUID15, "tester", "")
	require.ErrorIs(t, err, errDeviceExists)
}

func TestDeleteCascadesCommandsAndKeepsAudit(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)
	device, err := env.srv.devices.Get(testFulluuid)
	require.NoError(t, err)

	_, err = env.srv.queue.Create(testFulluuid, lifecycle.CmdCollectInfo, nil, 0, nil, "tester")
	require.NoError(t, err)
	env.srv.audit.Flush()

	require.NoError(t, env.srv.devices.Delete(testFulluuid, "tester"))
	env.srv.audit.Flush()

	_, err = env.srv.devices.Get(testFulluuid)
	require.ErrorIs(t, err, lifecycle.ErrNotFound)

	var commandCount int64
	require.NoError(t, env.db.Model(&Command{}).Where("device_id = ?", device.ID).Count(&commandCount).Error)
	require.Zero(t, commandCount)

	// Audit rows survive the device, keyed by fulluuid with the row
	// reference nulled.
	var orphaned int64
	require.NoError(t, env.db.Model(&AuditLog{}).
		Where("fulluuid = ? AND device_id IS NULL", testFulluuid).
		Count(&orphaned).Error)
	require.NotZero(t, orphaned)

	var still int64
	require.NoError(t, env.db.Model(&AuditLog{}).
		Where("device_id = ?", device.ID).Count(&still).Error)
	require.Zero(t, still)
}

func TestTokensExpiringBefore(t *testing.T) {
	env := newTestEnv(t)
	enrollDevice(t, env, testFulluuid)

	// A fresh 365-day token is not close to any near-term cutoff.
	soon := time.Now().UTC().Add(24 * time.Hour)
	expiring, err := env.srv.devices.TokensExpiringBefore(soon)
	require.NoError(t, err)
	require.Empty(t, expiring)

	far := time.Now().UTC().Add(366 * 24 * time.Hour)
	expiring, err = env.srv.devices.TokensExpiringBefore(far)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, testFulluuid, expiring[0].Fulluuid)

	// Wiped devices hold no token material to rotate.
	_, err = env.srv.devices.Wipe(testFulluuid, "tester")
	require.NoError(t, err)
	expiring, err = env.srv.devices.TokensExpiringBefore(far)
	require.NoError(t, err)
	require.Empty(t, expiring)
}

func TestStaleDevices(t *testing.T) {
	env := newTestEnv(t)
	token := enrollDevice(t, env, testFulluuid)
	_, err := env.srv.devices.CheckIn(token, CheckInInput{}, "10.0.0.1")
	require.NoError(t, err)

	threshold := time.Now().UTC().Add(-time.Hour)
	stale, err := env.srv.devices.StaleDevices(threshold)
	require.NoError(t, err)
	require.Empty(t, stale)

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, env.db.Model(&Device{}).
		Where("fulluuid = ?", testFulluuid).
		Update("last_check_in", old).Error)

	stale, err = env.srv.devices.StaleDevices(threshold)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, testFulluuid, stale[0].Fulluuid)
}
