package protocol

const (
	// Validation: rejected before touching the store.
	ErrBadRequest = "E_BAD_REQUEST"

	// Authorization.
	ErrUnauthenticated = "E_UNAUTHENTICATED"
	ErrNotOwner        = "E_NOT_OWNER"

	// Economy.
	ErrInsufficientBalance = "E_INSUFFICIENT_BALANCE"

	// Conflicts.
	ErrConflict     = "E_CONFLICT"
	ErrAlreadyOwned = "E_ALREADY_OWNED"

	// Batch spawn refused as a whole.
	ErrBatchRejected = "E_BATCH_REJECTED"

	// Transport / server.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrNotFound  = "E_NOT_FOUND"
	ErrTransport = "E_TRANSPORT"
	ErrInternal  = "E_INTERNAL"
)

// Class groups codes into the failure taxonomy callers branch on.
type Class string

const (
	ClassNone          Class = ""
	ClassValidation    Class = "ValidationError"
	ClassAuthorization Class = "AuthorizationError"
	ClassEconomic      Class = "EconomicError"
	ClassConflict      Class = "ConflictError"
	ClassTransport     Class = "TransportError"
)

var codeClass = map[string]Class{
	ErrBadRequest:          ClassValidation,
	ErrNotFound:            ClassValidation,
	ErrUnauthenticated:     ClassAuthorization,
	ErrNotOwner:            ClassAuthorization,
	ErrInsufficientBalance: ClassEconomic,
	ErrConflict:            ClassConflict,
	ErrAlreadyOwned:        ClassConflict,
	ErrBatchRejected:       ClassConflict,
	ErrRateLimit:           ClassTransport,
	ErrTransport:           ClassTransport,
	ErrInternal:            ClassTransport,
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := codeClass[code]
	return ok
}

// ClassOf maps a code to its class. Unknown codes are treated as transport
// failures: the outcome cannot be trusted.
func ClassOf(code string) Class {
	if code == "" {
		return ClassNone
	}
	if c, ok := codeClass[code]; ok {
		return c
	}
	return ClassTransport
}
