package ledger

import (
	"errors"
	"fmt"
)

// Status is a ledger rejection code.
type Status string

const (
	StatusInsufficientBalance      Status = "INSUFFICIENT_ACCOUNT_BALANCE"
	StatusInsufficientTokenBalance Status = "INSUFFICIENT_TOKEN_BALANCE"
	StatusNotAssociated            Status = "TOKEN_NOT_ASSOCIATED_TO_ACCOUNT"
	StatusAlreadyAssociated        Status = "TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT"
	StatusImmutable                Status = "TOKEN_IS_IMMUTABLE"
	StatusZeroBalanceRequired      Status = "TRANSACTION_REQUIRES_ZERO_TOKEN_BALANCES"
	StatusAccountIsTreasury        Status = "ACCOUNT_IS_TREASURY"
	StatusInvalidSignature         Status = "INVALID_SIGNATURE"
	StatusInvalidTokenID           Status = "INVALID_TOKEN_ID"
	StatusInvalidTopicID           Status = "INVALID_TOPIC_ID"
	StatusTokenDeleted             Status = "TOKEN_WAS_DELETED"
	StatusInvalidAccountID         Status = "INVALID_ACCOUNT_ID"
	StatusInvalidNFTID             Status = "INVALID_NFT_ID"
	StatusInvalidAmount            Status = "INVALID_AMOUNT"
	StatusUnbalancedTransfer       Status = "TRANSFERS_NOT_ZERO_SUM"
	StatusMaxSupplyReached         Status = "TOKEN_MAX_SUPPLY_REACHED"
	StatusWrongTokenKind           Status = "NOT_SUPPORTED_FOR_TOKEN_TYPE"
)

// Sentinels callers can match with errors.Is. Several statuses share a sentinel.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotAssociated       = errors.New("token not associated to account")
	ErrAlreadyAssociated   = errors.New("token already associated to account")
	ErrImmutable           = errors.New("token is immutable")
	ErrZeroBalanceRequired = errors.New("operation requires zero token balance")
	ErrInvalidSignature    = errors.New("missing or invalid signature")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

var statusSentinels = map[Status]error{
	StatusInsufficientBalance:      ErrInsufficientBalance,
	StatusInsufficientTokenBalance: ErrInsufficientBalance,
	StatusNotAssociated:            ErrNotAssociated,
	StatusAlreadyAssociated:        ErrAlreadyAssociated,
	StatusImmutable:                ErrImmutable,
	StatusZeroBalanceRequired:      ErrZeroBalanceRequired,
	StatusInvalidSignature:         ErrInvalidSignature,
	StatusInvalidTokenID:           ErrNotFound,
	StatusInvalidTopicID:           ErrNotFound,
	StatusTokenDeleted:             ErrNotFound,
	StatusInvalidAccountID:         ErrNotFound,
	StatusInvalidNFTID:             ErrNotFound,
	StatusInvalidAmount:            ErrInvalidAmount,
	StatusUnbalancedTransfer:       ErrInvalidAmount,
}

// RejectionError is returned when the ledger refuses an operation.
type RejectionError struct {
	Op     string
	Status Status
}

// Reject builds a *RejectionError.
func Reject(op string, status Status) error {
	return &RejectionError{Op: op, Status: status}
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger %s rejected: %s", e.Op, e.Status)
}

// Is matches the sentinel mapped to the status, if any.
func (e *RejectionError) Is(target error) bool {
	sentinel, ok := statusSentinels[e.Status]
	return ok && sentinel == target
}

// Known reports whether the status maps to a sentinel.
func (e *RejectionError) Known() bool {
	_, ok := statusSentinels[e.Status]
	return ok
}

// Ambiguous reports whether err leaves the outcome of a submitted write
// unknown. Rejections and missing entities are definite; transport and
// context errors are not, since the write may have committed before the
// caller saw them.
func Ambiguous(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := StatusOf(err); ok {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

// StatusOf extracts the rejection status from err.
func StatusOf(err error) (Status, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Status, true
	}
	return "", false
}
