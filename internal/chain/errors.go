package chain

import (
	"errors"
	"fmt"
)

// NetworkError indicates a transport-level failure talking to the ledger
// gateway. The outcome of any in-flight transaction is unknown.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotFoundError indicates the ledger does not know the referenced entity.
type NotFoundError struct {
	Kind string // account, transaction
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger %s %s not found", e.Kind, e.ID)
}

// TransferError indicates a transfer reached a terminal non-success status on
// the ledger. Status carries the network's status code verbatim.
type TransferError struct {
	TxID   string
	Status string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed with status %s", e.TxID, e.Status)
}

// IsNotFound reports whether err is a ledger not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsNetwork reports whether err is a transport-level ledger failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
