package lifecycle

// Error is a string-based sentinel so the taxonomy stays comparable with
// errors.Is across package boundaries.
type Error string

func (e Error) Error() string { return string(e) }

// The rejection taxonomy. Each maps deterministically to one external
// outcome; handlers translate, stores never coerce a transition to avoid
// one of these.
const (
	ErrNotProvisioned       Error = "device not pre-provisioned"
	ErrBlocked              Error = "device blocked by administrator"
	ErrInvalidTransition    Error = "invalid device state transition"
	ErrInvalidToken         Error = "invalid or unknown push token"
	ErrTokenExpired         Error = "push token expired"
	ErrNotOperational       Error = "device is not operational"
	ErrDeviceNotOperational Error = "target device is not operational"
	ErrInvalidCommandState  Error = "invalid command state for operation"
	ErrNotFound             Error = "record not found"
	ErrValidation           Error = "malformed input"
)
