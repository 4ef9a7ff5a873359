package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/larkspur-sec/warden/pkg/lifecycle"
)

// CommandQueue manages the per-device command lifecycle: creation, atomic
// delivery during check-ins, acknowledgment, cancellation, and expiry.
type CommandQueue struct {
	db    *gorm.DB
	audit *AuditSink
	log   zerolog.Logger
	mu    sync.Mutex
}

func NewCommandQueue(db *gorm.DB, audit *AuditSink, logger zerolog.Logger) *CommandQueue {
	return &CommandQueue{
		db:    db,
		audit: audit,
		log:   logger.With().Str("component", "commands").Logger(),
	}
}

// Create queues a command for an operational device. Priority defaults to 0
// and expiry to unset.
func (q *CommandQueue) Create(fulluuid string, cmdType lifecycle.CommandType, payload map[string]any, priority int, expiresAt *time.Time, createdBy string) (*Command, error) {
	if !cmdType.Valid() {
		return nil, fmt.Errorf("%w: unknown command type %q", lifecycle.ErrValidation, cmdType)
	}

	var device Device
	if err := q.db.Where("fulluuid = ?", fulluuid).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	if !device.Status.CanCheckIn() {
		return nil, fmt.Errorf("%w: device status %s", lifecycle.ErrDeviceNotOperational, device.Status)
	}

	encoded := "{}"
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload not serializable", lifecycle.ErrValidation)
		}
		encoded = string(raw)
	}

	command := Command{
		DeviceID:    device.ID,
		CommandType: cmdType,
		Payload:     encoded,
		Status:      lifecycle.CommandPending,
		Priority:    priority,
		ExpiresAt:   expiresAt,
		CreatedBy:   createdBy,
	}
	if err := q.db.Create(&command).Error; err != nil {
		return nil, err
	}

	q.log.Info().
		Uint("command_id", command.ID).
		Str("type", string(cmdType)).
		Str("fulluuid", device.Fulluuid).
		Msg("command created")
	q.audit.Record(lifecycle.EventCommandCreated, &device.ID, device.Fulluuid, map[string]any{
		"command_id": command.ID,
		"type":       string(cmdType),
		"priority":   priority,
	}, "", lifecycle.ActorAdmin, createdBy)
	return &command, nil
}

// PendingFor returns the device's deliverable commands ordered by priority
// descending then creation time ascending, marking each DELIVERED in the
// same transaction. The ordering is a contract with the agent, which
// executes commands in delivery order. A command is only ever returned
// once: delivery happens here or not at all.
func (q *CommandQueue) PendingFor(deviceID uint, now time.Time) ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var delivered []Command
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var commands []Command
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status = ?", deviceID, lifecycle.CommandPending).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Order("priority desc, created_at asc").
			Find(&commands).Error
		if err != nil {
			return err
		}

		for i := range commands {
			// Guard on PENDING so a concurrent deliverer cannot hand the
			// same command out twice.
			res := tx.Model(&Command{}).
				Where("id = ? AND status = ?", commands[i].ID, lifecycle.CommandPending).
				Updates(map[string]any{
					"status":       lifecycle.CommandDelivered,
					"delivered_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			commands[i].Status = lifecycle.CommandDelivered
			deliveredAt := now
			commands[i].DeliveredAt = &deliveredAt
			delivered = append(delivered, commands[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range delivered {
		q.audit.Record(lifecycle.EventCommandDelivered, &deviceID, "", map[string]any{
			"command_id": delivered[i].ID,
			"type":       string(delivered[i].CommandType),
		}, "", lifecycle.ActorSystem, "warden-server")
	}
	if len(delivered) > 0 {
		q.log.Debug().Uint("device_id", deviceID).Int("count", len(delivered)).Msg("commands delivered")
	}
	return delivered, nil
}

// Acknowledge records a device-reported outcome for a DELIVERED or
// EXECUTING command. Not idempotent: re-acknowledging a terminal command
// returns ErrInvalidCommandState, which callers treat as confirmation that
// execution already landed.
func (q *CommandQueue) Acknowledge(commandID uint, status lifecycle.CommandStatus, result map[string]any, errorMessage string) (*Command, error) {
	if status != lifecycle.CommandExecuted && status != lifecycle.CommandFailed {
		return nil, fmt.Errorf("%w: acknowledgment status must be EXECUTED or FAILED", lifecycle.ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var command Command
	err := q.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", commandID)
		if err := query.First(&command).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return err
		}
		if !command.Status.Acknowledgeable() {
			return fmt.Errorf("%w: command is %s", lifecycle.ErrInvalidCommandState, command.Status)
		}

		now := time.Now().UTC()
		command.Status = status
		command.ExecutedAt = &now
		if status == lifecycle.CommandExecuted {
			encoded := "{}"
			if len(result) > 0 {
				raw, err := json.Marshal(result)
				if err != nil {
					return fmt.Errorf("%w: result not serializable", lifecycle.ErrValidation)
				}
				encoded = string(raw)
			}
			command.Result = encoded
		} else {
			command.ErrorMessage = errorMessage
		}
		return tx.Save(&command).Error
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Uint("command_id", command.ID).
		Str("status", string(status)).
		Msg("command acknowledged")
	q.audit.Record(lifecycle.EventCommandAcked, &command.DeviceID, "", map[string]any{
		"command_id": command.ID,
		"status":     string(status),
	}, "", lifecycle.ActorDevice, "")
	return &command, nil
}

// Cancel withdraws a command that has not been delivered yet. A DELIVERED
// command cannot be cancelled: the device may already be executing it.
func (q *CommandQueue) Cancel(commandID uint, actor string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var command Command
	err := q.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", commandID)
		if err := query.First(&command).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return lifecycle.ErrNotFound
			}
			return err
		}
		if command.Status != lifecycle.CommandPending {
			return fmt.Errorf("%w: command is %s", lifecycle.ErrInvalidCommandState, command.Status)
		}
		command.Status = lifecycle.CommandCancelled
		return tx.Save(&command).Error
	})
	if err != nil {
		return err
	}

	q.log.Info().Uint("command_id", commandID).Msg("command cancelled")
	q.audit.Record(lifecycle.EventCommandCancelled, &command.DeviceID, "", map[string]any{
		"command_id": commandID,
	}, "", lifecycle.ActorAdmin, actor)
	return nil
}

// ExpireStale transitions every PENDING command whose expiry has passed to
// EXPIRED and returns how many were swept. Runs from the maintenance loop,
// independent of any device's check-in.
func (q *CommandQueue) ExpireStale(now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := q.db.Model(&Command{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", lifecycle.CommandPending, now).
		Update("status", lifecycle.CommandExpired)
	if res.Error != nil {
		return 0, res.Error
	}

	count := int(res.RowsAffected)
	if count > 0 {
		q.log.Info().Int("count", count).Msg("expired stale commands")
		q.audit.Record(lifecycle.EventCommandExpired, nil, "", map[string]any{
			"count": count,
		}, "", lifecycle.ActorSystem, "warden-server")
	}
	return count, nil
}

// ListForDevice returns all commands for a device, newest first.
func (q *CommandQueue) ListForDevice(fulluuid string) ([]Command, error) {
	var device Device
	if err := q.db.Where("fulluuid = ?", fulluuid).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}

	var commands []Command
	if err := q.db.Where("device_id = ?", device.ID).Order("created_at desc").Find(&commands).Error; err != nil {
		return nil, err
	}
	return commands, nil
}

// Get returns a command by ID.
func (q *CommandQueue) Get(commandID uint) (*Command, error) {
	var command Command
	if err := q.db.First(&command, commandID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	return &command, nil
}

// CountPending returns the number of undelivered commands for a device.
func (q *CommandQueue) CountPending(deviceID uint) (int64, error) {
	var count int64
	err := q.db.Model(&Command{}).
		Where("device_id = ? AND status = ?", deviceID, lifecycle.CommandPending).
		Count(&count).Error
	return count, err
}
