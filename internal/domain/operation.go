package domain

// ErrorKind classifies why a write operation did not succeed.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindRejected           ErrorKind = "REJECTED"
	ErrorKindInsufficientFunds  ErrorKind = "INSUFFICIENT_FUNDS"
	ErrorKindInsufficientSupply ErrorKind = "INSUFFICIENT_SUPPLY"
	ErrorKindNonce              ErrorKind = "NONCE_ERROR"
	ErrorKindGasPrice           ErrorKind = "GAS_PRICE_ERROR"
	ErrorKindContract           ErrorKind = "CONTRACT_ERROR"
	ErrorKindUnknown            ErrorKind = "UNKNOWN_ERROR"
	ErrorKindInvalidInput       ErrorKind = "INVALID_INPUT"
	ErrorKindNotConnected       ErrorKind = "NOT_CONNECTED"
)

// TxError is a normalized chain-call failure.
type TxError struct {
	Kind    ErrorKind
	Message string
}

func (e *TxError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// OperationState is a step of the write-operation state machine.
type OperationState int

const (
	OperationIdle OperationState = iota
	OperationSubmitting
	OperationAwaitingConfirmation
	OperationSucceeded
	OperationFailed
	OperationRejected
)

// String returns the string representation of the state
func (s OperationState) String() string {
	switch s {
	case OperationIdle:
		return "idle"
	case OperationSubmitting:
		return "submitting"
	case OperationAwaitingConfirmation:
		return "awaiting_confirmation"
	case OperationSucceeded:
		return "succeeded"
	case OperationFailed:
		return "failed"
	case OperationRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen from s.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed || s == OperationRejected
}

// OperationResult is what a write operation resolves to. It never carries a raw error.
type OperationResult struct {
	Succeeded   bool               `json:"succeeded"`
	State       string             `json:"state"`
	ErrorKind   ErrorKind          `json:"errorKind,omitempty"`
	UserMessage string             `json:"userMessage"`
	TxHash      string             `json:"txHash,omitempty"`
	Record      *TransactionRecord `json:"record,omitempty"`
}

// Failure builds a failed result from a normalized error.
func Failure(state OperationState, txErr *TxError) OperationResult {
	return OperationResult{
		State:       state.String(),
		ErrorKind:   txErr.Kind,
		UserMessage: txErr.Message,
	}
}
