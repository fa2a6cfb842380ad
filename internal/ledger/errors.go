package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Error classes used when reporting failures.
const (
	ClassConnectivity = "connectivity"
	ClassRejected     = "rejected"
	ClassTimeout      = "timeout"
	ClassOther        = "other"
)

// ConnectivityError means the node could not be reached or did not answer usefully.
// A balance or nonce that failed this way is unknown, not zero.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: node unreachable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectedError means the node refused the transaction or it reverted on chain.
// It is never retried; the intent must be rebuilt from fresh state.
type RejectedError struct {
	TxHash   common.Hash // zero when rejected at broadcast
	Reason   string
	Reverted bool
	Err      error
}

func (e *RejectedError) Error() string {
	if e.Reverted {
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
	}
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// TimeoutError means no receipt was observed within the bound.
// The transaction may still be mined later.
type TimeoutError struct {
	TxHash common.Hash
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %s", e.TxHash.Hex(), e.After)
}

// Classify maps an error to its reporting class.
func Classify(err error) string {
	var (
		connErr    *ConnectivityError
		rejectErr  *RejectedError
		timeoutErr *TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return ClassTimeout
	case errors.As(err, &rejectErr):
		return ClassRejected
	case errors.As(err, &connErr):
		return ClassConnectivity
	default:
		return ClassOther
	}
}
