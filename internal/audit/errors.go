package audit

import "errors"

var (
	// ErrCalibrationUnavailable is returned when the host benchmark index is
	// below the viability threshold and no multiplier can be derived.
	ErrCalibrationUnavailable = errors.New("calibration unavailable")
	// ErrTargetUnreachable is returned when the pre-flight probe cannot reach the root URL.
	ErrTargetUnreachable = errors.New("target unreachable")
	// ErrAuditAttemptFailed marks a single engine run that produced no usable report.
	ErrAuditAttemptFailed = errors.New("audit attempt failed")
	// ErrNotFound is returned by result stores when no entry exists for an id.
	ErrNotFound = errors.New("result not found")
	// ErrMissingID is returned when a lookup carries neither an id nor a URL.
	ErrMissingID = errors.New("id is required")
	// ErrInvalidID is returned when an id is not a valid content address.
	ErrInvalidID = errors.New("invalid id")
	// ErrProtocolDecode marks a progress channel frame that could not be decoded.
	ErrProtocolDecode = errors.New("protocol decode error")
)
