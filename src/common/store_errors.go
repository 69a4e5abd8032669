package common

import "fmt"

// StoreErrType enumerates the failures a store backend can report.
type StoreErrType uint32

const (
	// KeyNotFound is returned when a lookup does not match any record.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists is returned when an insert collides with a unique key.
	KeyAlreadyExists
	// Empty is returned by range queries that need at least one record.
	Empty
	// Closed is returned by operations on a closed store or transaction.
	Closed
)

// StoreErr is the error type of the store package. It carries the kind of
// record involved, the failure and the key.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Empty:
		m = "Empty"
	case Closed:
		m = "Closed"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that it's code matches
// the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
