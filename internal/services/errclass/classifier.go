// Package errclass maps chain-call failures onto the presale error taxonomy.
package errclass

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/domain"
)

const (
	codeUserRejected      = 4001
	codeInsufficientFunds = -32000

	msgRejected          = "Transaction rejected by user"
	msgInsufficientFunds = "Insufficient funds for transaction"
	msgGasAllowance      = "Gas required exceeds your balance"
	msgNonce             = "Transaction with the same nonce already processed"
	msgGasPrice          = "Gas price too low to replace pending transaction"
	msgUnexpected        = "An unexpected error occurred"
)

// ErrUserRejected is returned by signers when the account holder declines to sign.
var ErrUserRejected = errors.New("user rejected the request")

// Reverter is implemented by errors that carry a decoded revert reason.
type Reverter interface {
	RevertReason() string
}

var rejectionPhrases = []string{"rejected", "denied"}

var substringRules = []struct {
	needle  string
	kind    domain.ErrorKind
	message string
}{
	{needle: "gas required exceeds allowance", kind: domain.ErrorKindInsufficientFunds, message: msgGasAllowance},
	{needle: "nonce too low", kind: domain.ErrorKindNonce, message: msgNonce},
	{needle: "replacement transaction underpriced", kind: domain.ErrorKindGasPrice, message: msgGasPrice},
}

// Classify normalizes err. The first matching rule wins:
// user rejection, insufficient-funds code, revert reason, known message substrings, unknown.
func Classify(err error) *domain.TxError {
	if err == nil {
		return nil
	}

	var txErr *domain.TxError
	if errors.As(err, &txErr) {
		return txErr
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	code, hasCode := errorCode(err)

	if errors.Is(err, ErrUserRejected) || (hasCode && code == codeUserRejected) || containsAny(lower, rejectionPhrases) {
		return &domain.TxError{Kind: domain.ErrorKindRejected, Message: msgRejected}
	}

	if hasCode && code == codeInsufficientFunds {
		return &domain.TxError{Kind: domain.ErrorKindInsufficientFunds, Message: msgInsufficientFunds}
	}

	if reason, ok := revertReason(err); ok {
		return &domain.TxError{Kind: domain.ErrorKindContract, Message: reason}
	}

	for _, rule := range substringRules {
		if strings.Contains(lower, rule.needle) {
			return &domain.TxError{Kind: rule.kind, Message: rule.message}
		}
	}

	if msg == "" {
		msg = msgUnexpected
	}
	return &domain.TxError{Kind: domain.ErrorKindUnknown, Message: msg}
}

// Classifier wraps Classify with debug logging of the raw failure.
type Classifier struct {
	l *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(l *zap.Logger) *Classifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &Classifier{l: l}
}

// Classify normalizes err and logs the original failure under the given operation name.
func (c *Classifier) Classify(op string, err error) *domain.TxError {
	txErr := Classify(err)
	if txErr != nil {
		c.l.Debug("chain call failed",
			zap.String("operation", op),
			zap.String("kind", string(txErr.Kind)),
			zap.Error(err))
	}
	return txErr
}

func errorCode(err error) (int, bool) {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

func revertReason(err error) (string, bool) {
	var r Reverter
	if errors.As(err, &r) && r.RevertReason() != "" {
		return r.RevertReason(), true
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return "", false
	}
	data, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil {
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil || reason == "" {
		return "", false
	}
	return reason, true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
