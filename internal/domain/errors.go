package domain

import "errors"

var (
	// ErrKeeperNotReady is returned when an incremental update arrives before
	// a full index rebuild has completed.
	ErrKeeperNotReady = errors.New("keeper not ready")

	// ErrNonceConflict marks a submission rejected because the signer's
	// sequence counter disagrees with the chain.
	ErrNonceConflict = errors.New("nonce conflict")

	ErrTxReverted     = errors.New("transaction reverted")
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
	ErrInvalidPrice   = errors.New("market reported an invalid price")
)
