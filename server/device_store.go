package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
	"github.com/larkspur-sec/warden/pkg/token"
)

// errDeviceExists marks a create collision on the immutable identity.
var errDeviceExists = errors.New("device already exists")

// DeviceStore owns the device registry and its state machine. Every
// transition is a single atomic update of status plus timestamps; the
// store-level mutex serializes check-and-set paths so two concurrent
// callers cannot both claim the same edge.
type DeviceStore struct {
	db     *gorm.DB
	tokens *token.Service
	audit  *AuditSink
	log    zerolog.Logger
	mu     sync.Mutex
}

func NewDeviceStore(db *gorm.DB, tokens *token.Service, audit *AuditSink, logger zerolog.Logger) *DeviceStore {
	return &DeviceStore{
		db:     db,
		tokens: tokens,
		audit:  audit,
		log:    logger.With().Str("component", "devices").Logger(),
	}
}

// RegistrationInput is the identity and metadata a desktop agent presents
// when claiming its pre-provisioned record.
type RegistrationInput struct {
	Fulluuid     string
	UUID15       string
	ComputerName string
	OSName       string
	OSVersion    string
}

// RegistrationResult reports a successful (possibly idempotent) enrollment.
// Token is empty on re-registration: the original token stays valid and is
// never re-derivable, so the caller must have retained it.
type RegistrationResult struct {
	Device          *Device
	Token           string
	ExpiresAt       *time.Time
	AlreadyEnrolled bool
}

// Register enrolls a pre-provisioned device, minting its push token on the
// PENDING_ENROLLMENT to ENROLLED edge. Idempotent for devices that already
// hold a token.
func (s *DeviceStore) Register(in RegistrationInput, ip string) (*RegistrationResult, error) {
	fulluuid := strings.ToLower(strings.TrimSpace(in.Fulluuid))
	if _, err := uuid.Parse(fulluuid); err != nil {
		return nil, fmt.Errorf("%w: fulluuid must be a canonical UUID", lifecycle.ErrValidation)
	}
	if len(in.UUID15) != 15 {
		return nil, fmt.Errorf("%w: uuid15 must be exactly 15 characters", lifecycle.ErrValidation)
	}

	s.audit.Record(lifecycle.EventEnrollAttempt, nil, fulluuid, map[string]any{
		"computer_name": in.ComputerName,
	}, ip, lifecycle.ActorDevice, fulluuid)

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *RegistrationResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var device Device
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("fulluuid = ?", fulluuid)
		if err := query.First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotProvisioned
			}
			return err
		}

		if device.Status == lifecycle.DeviceBlocked {
			return lifecycle.ErrBlocked
		}

		now := time.Now().UTC()

		// Already holding a token: refresh metadata only. Minting a new
		// token here would silently invalidate the one on the device.
		if device.Status == lifecycle.DeviceEnrolled || device.Status == lifecycle.DeviceActive {
			device.ComputerName = in.ComputerName
			device.OSName = in.OSName
			device.OSVersion = in.OSVersion
			device.IPAddress = ip
			device.LastCheckIn = &now
			if err := tx.Save(&device).Error; err != nil {
				return err
			}
			result = &RegistrationResult{
				Device:          &device,
				ExpiresAt:       device.TokenExpiresAt,
				AlreadyEnrolled: true,
			}
			return nil
		}

		if !device.Status.CanEnroll() {
			return fmt.Errorf("%w: cannot enroll from %s", lifecycle.ErrInvalidTransition, device.Status)
		}

		plaintext, err := s.tokens.Generate()
		if err != nil {
			return err
		}
		digest := s.tokens.Hash(plaintext)
		expiresAt := s.tokens.ExpiryFrom(now)

		if device.UUID15 == "" {
			device.UUID15 = in.UUID15
		}
		device.ComputerName = in.ComputerName
		device.OSName = in.OSName
		device.OSVersion = in.OSVersion
		device.IPAddress = ip
		device.Status = lifecycle.DeviceEnrolled
		device.TokenHash = &digest
		device.TokenIssuedAt = &now
		device.TokenExpiresAt = &expiresAt
		device.EnrolledAt = &now

		if err := tx.Save(&device).Error; err != nil {
			return err
		}
		result = &RegistrationResult{
			Device:    &device,
			Token:     plaintext,
			ExpiresAt: &expiresAt,
		}
		return nil
	})
	if err != nil {
		s.auditRegisterFailure(fulluuid, ip, err)
		return nil, err
	}

	device := result.Device
	if result.AlreadyEnrolled {
		s.log.Info().Str("fulluuid", fulluuid).Msg("device already enrolled, idempotent register")
		s.audit.Record(lifecycle.EventReEnrollment, &device.ID, fulluuid, map[string]any{
			"status": string(device.Status),
		}, ip, lifecycle.ActorDevice, fulluuid)
		return result, nil
	}

	s.log.Info().Str("fulluuid", fulluuid).Msg("device enrolled")
	s.audit.Record(lifecycle.EventEnrollSuccess, &device.ID, fulluuid, map[string]any{
		"computer_name":     device.ComputerName,
		"os_name":           device.OSName,
		"os_version":        device.OSVersion,
		"status_transition": "PENDING_ENROLLMENT -> ENROLLED",
	}, ip, lifecycle.ActorDevice, fulluuid)
	s.audit.Record(lifecycle.EventTokenIssued, &device.ID, fulluuid, map[string]any{
		"expires_at": device.TokenExpiresAt.Format(time.RFC3339),
	}, "", lifecycle.ActorSystem, "warden-server")
	return result, nil
}

func (s *DeviceStore) auditRegisterFailure(fulluuid, ip string, cause error) {
	switch {
	case errors.Is(cause, lifecycle.ErrBlocked):
		s.log.Warn().Str("fulluuid", fulluuid).Msg("blocked device attempted enrollment")
		s.audit.Record(lifecycle.EventEnrollBlocked, nil, fulluuid, map[string]any{
			"reason": "device is blocked",
		}, ip, lifecycle.ActorDevice, fulluuid)
	case errors.Is(cause, lifecycle.ErrNotProvisioned):
		s.log.Warn().Str("fulluuid", fulluuid).Msg("registration for unknown device")
		s.audit.Record(lifecycle.EventEnrollFailed, nil, fulluuid, map[string]any{
			"reason": "device not pre-provisioned",
		}, ip, lifecycle.ActorDevice, fulluuid)
	default:
		s.audit.Record(lifecycle.EventEnrollFailed, nil, fulluuid, map[string]any{
			"reason": cause.Error(),
		}, ip, lifecycle.ActorDevice, fulluuid)
	}
}

// CheckInInput is the optional metadata refresh carried by a status poll.
type CheckInInput struct {
	ComputerName string
	OSName       string
	OSVersion    string
}

// CheckIn resolves a device by its push token, refreshes liveness metadata,
// and flips ENROLLED devices to ACTIVE on their first poll.
func (s *DeviceStore) CheckIn(plaintext string, in CheckInInput, ip string) (*Device, error) {
	if !s.tokens.ValidFormat(plaintext) {
		return nil, lifecycle.ErrInvalidToken
	}
	digest := s.tokens.Hash(plaintext)

	s.mu.Lock()
	defer s.mu.Unlock()

	var device Device
	var firstCheckIn bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token_hash = ?", digest)
		if err := query.First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrInvalidToken
			}
			return err
		}

		now := time.Now().UTC()
		if s.tokens.Expired(device.TokenExpiresAt, now) {
			return lifecycle.ErrTokenExpired
		}
		if device.Status == lifecycle.DeviceBlocked {
			return lifecycle.ErrBlocked
		}
		if !device.Status.CanCheckIn() {
			return lifecycle.ErrNotOperational
		}

		firstCheckIn = device.Status == lifecycle.DeviceEnrolled

		if in.ComputerName != "" {
			device.ComputerName = in.ComputerName
		}
		if in.OSName != "" {
			device.OSName = in.OSName
		}
		if in.OSVersion != "" {
			device.OSVersion = in.OSVersion
		}
		device.IPAddress = ip
		device.LastCheckIn = &now
		if firstCheckIn {
			device.Status = lifecycle.DeviceActive
			device.IsActive = true
		}
		return tx.Save(&device).Error
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrTokenExpired) {
			s.audit.Record(lifecycle.EventTokenExpired, &device.ID, device.Fulluuid, nil, ip, lifecycle.ActorDevice, device.Fulluuid)
		}
		return nil, err
	}

	if firstCheckIn {
		s.log.Info().Str("fulluuid", device.Fulluuid).Msg("first check-in, device active")
		s.audit.Record(lifecycle.EventFirstCheckIn, &device.ID, device.Fulluuid, map[string]any{
			"status_transition": "ENROLLED -> ACTIVE",
		}, ip, lifecycle.ActorDevice, device.Fulluuid)
	} else {
		s.log.Debug().Str("fulluuid", device.Fulluuid).Msg("check-in")
		s.audit.Record(lifecycle.EventCheckIn, &device.ID, device.Fulluuid, map[string]any{
			"status": string(device.Status),
		}, ip, lifecycle.ActorDevice, device.Fulluuid)
	}
	return &device, nil
}

// Authenticate resolves a device by push token without mutating any state.
// Used by endpoints that need device identity but are not check-ins.
func (s *DeviceStore) Authenticate(plaintext string) (*Device, error) {
	if !s.tokens.ValidFormat(plaintext) {
		return nil, lifecycle.ErrInvalidToken
	}
	digest := s.tokens.Hash(plaintext)

	var device Device
	if err := s.db.Where("token_hash = ?", digest).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrInvalidToken
		}
		return nil, err
	}
	if s.tokens.Expired(device.TokenExpiresAt, time.Now().UTC()) {
		return nil, lifecycle.ErrTokenExpired
	}
	if device.Status == lifecycle.DeviceBlocked {
		return nil, lifecycle.ErrBlocked
	}
	if !device.Status.CanCheckIn() {
		return nil, lifecycle.ErrNotOperational
	}
	return &device, nil
}

// TouchCheckIn refreshes the liveness timestamp and source address outside
// the full check-in path (whitelist fetches).
func (s *DeviceStore) TouchCheckIn(deviceID uint, ip string) error {
	now := time.Now().UTC()
	return s.db.Model(&Device{}).Where("id = ?", deviceID).
		Updates(map[string]any{"last_check_in": now, "ip_address": ip}).Error
}

// Create pre-provisions a device record in PENDING_ENROLLMENT.
func (s *DeviceStore) Create(fulluuid, uuid15, createdBy, notes string) (*Device, error) {
	fulluuid = strings.ToLower(strings.TrimSpace(fulluuid))
	if _, err := uuid.Parse(fulluuid); err != nil {
		return nil, fmt.Errorf("%w: fulluuid must be a canonical UUID", lifecycle.ErrValidation)
	}
	if len(uuid15) != 15 {
		return nil, fmt.Errorf("%w: uuid15 must be exactly 15 characters", lifecycle.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.Model(&Device{}).Where("fulluuid = ?", fulluuid).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errDeviceExists
	}

	device := Device{
		Fulluuid:  fulluuid,
		UUID15:    uuid15,
		Status:    lifecycle.DevicePendingEnrollment,
		CreatedBy: createdBy,
		Notes:     notes,
	}
	if err := s.db.Create(&device).Error; err != nil {
		return nil, err
	}

	s.log.Info().Str("fulluuid", fulluuid).Msg("device pre-provisioned")
	s.audit.Record(lifecycle.EventDeviceCreated, &device.ID, fulluuid, map[string]any{
		"created_by": createdBy,
	}, "", lifecycle.ActorAdmin, createdBy)
	return &device, nil
}

// Suspend transitions an ENROLLED or ACTIVE device to SUSPENDED.
func (s *DeviceStore) Suspend(fulluuid, actor string) (*Device, error) {
	return s.transition(fulluuid, actor, lifecycle.EventDeviceSuspended, func(d *Device) error {
		if d.Status != lifecycle.DeviceEnrolled && d.Status != lifecycle.DeviceActive {
			return fmt.Errorf("%w: cannot suspend from %s", lifecycle.ErrInvalidTransition, d.Status)
		}
		d.Status = lifecycle.DeviceSuspended
		d.IsActive = false
		return nil
	})
}

// Reactivate returns a SUSPENDED device to ENROLLED.
func (s *DeviceStore) Reactivate(fulluuid, actor string) (*Device, error) {
	return s.transition(fulluuid, actor, lifecycle.EventDeviceReactivated, func(d *Device) error {
		if d.Status != lifecycle.DeviceSuspended {
			return fmt.Errorf("%w: cannot reactivate from %s", lifecycle.ErrInvalidTransition, d.Status)
		}
		d.Status = lifecycle.DeviceEnrolled
		d.IsActive = true
		return nil
	})
}

// Block bans a device. Idempotent when already blocked; rejected only from
// the terminal WIPED state.
func (s *DeviceStore) Block(fulluuid, actor string) (*Device, error) {
	return s.transition(fulluuid, actor, lifecycle.EventDeviceBlocked, func(d *Device) error {
		if d.Status == lifecycle.DeviceBlocked {
			return nil
		}
		if d.Status.Terminal() {
			return fmt.Errorf("%w: cannot block from %s", lifecycle.ErrInvalidTransition, d.Status)
		}
		d.Status = lifecycle.DeviceBlocked
		d.IsActive = false
		return nil
	})
}

// Wipe marks a device WIPED and revokes its token material. Terminal and
// idempotent.
func (s *DeviceStore) Wipe(fulluuid, actor string) (*Device, error) {
	return s.transition(fulluuid, actor, lifecycle.EventDeviceWiped, func(d *Device) error {
		if d.Status == lifecycle.DeviceWiped {
			return nil
		}
		d.Status = lifecycle.DeviceWiped
		d.TokenHash = nil
		d.TokenIssuedAt = nil
		d.TokenExpiresAt = nil
		d.IsActive = false
		return nil
	})
}

func (s *DeviceStore) transition(fulluuid, actor string, event lifecycle.AuditEvent, apply func(*Device) error) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var device Device
	var oldStatus lifecycle.DeviceStatus
	err := s.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("fulluuid = ?", fulluuid)
		if err := query.First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return err
		}
		oldStatus = device.Status
		if err := apply(&device); err != nil {
			return err
		}
		// Full save keeps token columns in sync when they are nulled.
		return tx.Save(&device).Error
	})
	if err != nil {
		return nil, err
	}

	if oldStatus != device.Status {
		s.log.Info().
			Str("fulluuid", fulluuid).
			Str("from", string(oldStatus)).
			Str("to", string(device.Status)).
			Msg("device status changed")
		s.audit.Record(event, &device.ID, fulluuid, map[string]any{
			"old_status": string(oldStatus),
			"new_status": string(device.Status),
		}, "", lifecycle.ActorAdmin, actor)
		s.audit.Record(lifecycle.EventStatusChanged, &device.ID, fulluuid, map[string]any{
			"old_status": string(oldStatus),
			"new_status": string(device.Status),
			"changed_by": actor,
		}, "", lifecycle.ActorAdmin, actor)
	}
	return &device, nil
}

// Delete removes a device and its commands. Audit rows survive with the
// fulluuid string; their device reference is nulled.
func (s *DeviceStore) Delete(fulluuid, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var device Device
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("fulluuid = ?", fulluuid).First(&device).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return err
		}
		if err := tx.Where("device_id = ?", device.ID).Delete(&Command{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&AuditLog{}).Where("device_id = ?", device.ID).
			Update("device_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&device).Error
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("fulluuid", fulluuid).Msg("device deleted")
	s.audit.Record(lifecycle.EventDeviceDeleted, nil, fulluuid, map[string]any{
		"deleted_by": actor,
	}, "", lifecycle.ActorAdmin, actor)
	return nil
}

// Get returns a device by its canonical identity.
func (s *DeviceStore) Get(fulluuid string) (*Device, error) {
	var device Device
	if err := s.db.Where("fulluuid = ?", fulluuid).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &device, nil
}

// List returns all devices, newest first.
func (s *DeviceStore) List() ([]Device, error) {
	var devices []Device
	if err := s.db.Order("created_at desc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// StaleDevices returns ACTIVE devices whose last check-in predates the
// threshold.
func (s *DeviceStore) StaleDevices(threshold time.Time) ([]Device, error) {
	var devices []Device
	err := s.db.Where("status = ? AND last_check_in < ?", lifecycle.DeviceActive, threshold).
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// TokensExpiringBefore returns operational devices whose push token expires
// before the threshold, so admins can rotate ahead of the cutoff.
func (s *DeviceStore) TokensExpiringBefore(threshold time.Time) ([]Device, error) {
	var devices []Device
	err := s.db.Where("status IN ? AND token_expires_at IS NOT NULL AND token_expires_at < ?",
		[]lifecycle.DeviceStatus{lifecycle.DeviceEnrolled, lifecycle.DeviceActive}, threshold).
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}
