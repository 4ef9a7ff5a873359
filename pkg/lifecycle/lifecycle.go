// Package lifecycle defines the device and command state vocabularies and
// the transition rules enforced by the stores. All state changes in the
// system move along the edges encoded here; anything else is rejected.
package lifecycle

// DeviceStatus is the lifecycle state of a managed device.
type DeviceStatus string

const (
	// DevicePendingEnrollment: record pre-provisioned by an admin, the
	// desktop agent has not called /register yet.
	DevicePendingEnrollment DeviceStatus = "PENDING_ENROLLMENT"
	// DeviceEnrolled: push token issued, no check-in received yet.
	DeviceEnrolled DeviceStatus = "ENROLLED"
	// DeviceActive: at least one successful check-in.
	DeviceActive DeviceStatus = "ACTIVE"
	// DeviceSuspended: temporarily disabled by an admin, can be reactivated.
	DeviceSuspended DeviceStatus = "SUSPENDED"
	// DeviceBlocked: banned by an admin.
	DeviceBlocked DeviceStatus = "BLOCKED"
	// DeviceWiped: remote wipe executed. Terminal.
	DeviceWiped DeviceStatus = "WIPED"
)

// CanEnroll reports whether a device in this status may claim its identity
// and receive a first token.
func (s DeviceStatus) CanEnroll() bool {
	return s == DevicePendingEnrollment
}

// CanCheckIn reports whether a device in this status may poll /status.
func (s DeviceStatus) CanCheckIn() bool {
	return s == DeviceEnrolled || s == DeviceActive
}

// Terminal reports whether no further transition leaves this status.
func (s DeviceStatus) Terminal() bool {
	return s == DeviceWiped
}

// Valid reports whether s is one of the six known statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DevicePendingEnrollment, DeviceEnrolled, DeviceActive,
		DeviceSuspended, DeviceBlocked, DeviceWiped:
		return true
	}
	return false
}

// CommandStatus tracks a command from creation to a terminal outcome.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandDelivered CommandStatus = "DELIVERED"
	CommandExecuting CommandStatus = "EXECUTING"
	CommandExecuted  CommandStatus = "EXECUTED"
	CommandFailed    CommandStatus = "FAILED"
	CommandCancelled CommandStatus = "CANCELLED"
	CommandExpired   CommandStatus = "EXPIRED"
)

// Terminal reports whether the command status can never change again.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandExecuted, CommandFailed, CommandCancelled, CommandExpired:
		return true
	}
	return false
}

// Acknowledgeable reports whether a device-reported outcome is accepted for
// a command in this status.
func (s CommandStatus) Acknowledgeable() bool {
	return s == CommandDelivered || s == CommandExecuting
}

// CommandType is the closed set of operations dispatchable to a device.
type CommandType string

const (
	CmdGetWhitelist      CommandType = "GET_WHITELIST"
	CmdUpdatePolicy      CommandType = "UPDATE_POLICY"
	CmdInstallSoftware   CommandType = "INSTALL_SOFTWARE"
	CmdUninstallSoftware CommandType = "UNINSTALL_SOFTWARE"
	CmdRemoteWipe        CommandType = "REMOTE_WIPE"
	CmdRestartDevice     CommandType = "RESTART_DEVICE"
	CmdLockDevice        CommandType = "LOCK_DEVICE"
	CmdUnlockDevice      CommandType = "UNLOCK_DEVICE"
	CmdCollectInfo       CommandType = "COLLECT_INFO"
	CmdRunScript         CommandType = "RUN_SCRIPT"
	CmdUpdateConfig      CommandType = "UPDATE_CONFIG"
)

// Valid reports whether t names a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CmdGetWhitelist, CmdUpdatePolicy, CmdInstallSoftware,
		CmdUninstallSoftware, CmdRemoteWipe, CmdRestartDevice,
		CmdLockDevice, CmdUnlockDevice, CmdCollectInfo, CmdRunScript,
		CmdUpdateConfig:
		return true
	}
	return false
}

// Actor identifies who performed an audited action.
type Actor string

const (
	ActorDevice Actor = "DEVICE"
	ActorAdmin  Actor = "ADMIN"
	ActorSystem Actor = "SYSTEM"
)

// AuditEvent is the closed vocabulary of audit trail event types.
type AuditEvent string

const (
	EventDeviceCreated     AuditEvent = "DEVICE_CREATED"
	EventDeviceDeleted     AuditEvent = "DEVICE_DELETED"
	EventEnrollAttempt     AuditEvent = "ENROLLMENT_ATTEMPT"
	EventEnrollSuccess     AuditEvent = "ENROLLMENT_SUCCESS"
	EventEnrollFailed      AuditEvent = "ENROLLMENT_FAILED"
	EventEnrollBlocked     AuditEvent = "ENROLLMENT_BLOCKED"
	EventReEnrollment      AuditEvent = "RE_ENROLLMENT"
	EventCheckIn           AuditEvent = "CHECK_IN"
	EventFirstCheckIn      AuditEvent = "FIRST_CHECK_IN"
	EventTokenIssued       AuditEvent = "TOKEN_ISSUED"
	EventTokenExpired      AuditEvent = "TOKEN_EXPIRED"
	EventStatusChanged     AuditEvent = "STATUS_CHANGED"
	EventDeviceSuspended   AuditEvent = "DEVICE_SUSPENDED"
	EventDeviceReactivated AuditEvent = "DEVICE_REACTIVATED"
	EventDeviceBlocked     AuditEvent = "DEVICE_BLOCKED"
	EventDeviceWiped       AuditEvent = "DEVICE_WIPED"
	EventCommandCreated    AuditEvent = "COMMAND_CREATED"
	EventCommandDelivered  AuditEvent = "COMMAND_DELIVERED"
	EventCommandAcked      AuditEvent = "COMMAND_ACKNOWLEDGED"
	EventCommandCancelled  AuditEvent = "COMMAND_CANCELLED"
	EventCommandExpired    AuditEvent = "COMMAND_EXPIRED"
	EventWhitelistUpdated  AuditEvent = "WHITELIST_UPDATED"
	EventWhitelistFetched  AuditEvent = "WHITELIST_FETCHED"
)
