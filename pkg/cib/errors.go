package cib

import (
	"errors"
	"fmt"
)

// ErrConflict is returned by Store.Replace when the caller's epoch
// triple no longer matches the stored document. The caller requeues a
// fresh read-compute-write cycle.
var ErrConflict = errors.New("cib: write conflict")

// SchemaError reports a CIB document that violates the ingest contract.
// Schema violations are fatal to the daemon: the surviving peers
// re-elect and re-plan.
type SchemaError struct {
	Element string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("cib: schema error in %s: %s", e.Element, e.Reason)
}
