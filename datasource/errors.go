package datasource

// Error type strings attached to operation errors with errors.WithType
// and checked with errors.IsType.
const (
	// The network request itself failed.
	ErrTypeTransport = "transport_error"

	// The server answered with a non success status.
	ErrTypeProtocol = "protocol_error"

	// The payload could not be decoded.
	ErrTypeDecode = "decode_error"

	// The operation was explicitly killed. Expected outcome of scope
	// supersession and disposal, never logged as a failure.
	ErrTypeCancelled = "cancelled"

	// The processing context was lost mid task. Triggers the loader's
	// retry policy instead of a user visible failure.
	ErrTypeCompromised = "compromised"

	// The request timed out.
	ErrTypeTimeout = "timeout"

	// The load parameters name a data type no decoder exists for.
	// Reported once; the owning scope stays unloaded.
	ErrTypeUnknownDataType = "unknown_data_type"
)
