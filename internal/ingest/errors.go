package ingest

import "errors"

// Failure classes for a single message. All are caught at the message
// boundary, logged, and dropped; none terminate consumption. Transport
// failures surface through the MQTT client's connection callbacks instead.
var (
	// ErrDecode: malformed topic or payload. No storage mutation happened.
	ErrDecode = errors.New("decode failed")
	// ErrStatePrecondition: the event arrived for a device or session that
	// does not exist in the expected state.
	ErrStatePrecondition = errors.New("state precondition not met")
	// ErrStorage: the persistence collaborator failed mid-handler.
	ErrStorage = errors.New("storage failure")
)
