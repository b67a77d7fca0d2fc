package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVersionConflict is returned by UpdateStore.Append when the latest record for the
// (fence, asset) pair is no longer the one the caller read.
var ErrVersionConflict = errors.New("geofence update version conflict")

// StoreReadError means the fence set or the latest-update map could not be loaded.
// Nothing has been written when it is returned.
type StoreReadError struct {
	Op      string
	AssetID string
	Err     error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("%s for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// StoreWriteError means a status transition for one fence could not be persisted.
type StoreWriteError struct {
	GeoFenceID int64
	AssetID    string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("append update fence=%d asset=%s: %v", e.GeoFenceID, e.AssetID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// NotifyError means a notification could not be delivered after the transition was
// persisted.
type NotifyError struct {
	GeoFenceID int64
	Recipient  string
	Err        error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s for fence %d: %v", e.Recipient, e.GeoFenceID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// EvaluationError collects the per-fence failures of one Evaluate call. It is
// returned alongside the triggered set, which stays valid.
type EvaluationError struct {
	Write  []*StoreWriteError
	Notify []*NotifyError
}

func (e *EvaluationError) Error() string {
	parts := make([]string, 0, len(e.Write)+len(e.Notify))
	for _, w := range e.Write {
		parts = append(parts, w.Error())
	}
	for _, n := range e.Notify {
		parts = append(parts, n.Error())
	}
	return fmt.Sprintf("evaluation finished with %d error(s): %s", len(parts), strings.Join(parts, "; "))
}

func (e *EvaluationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Write)+len(e.Notify))
	for _, w := range e.Write {
		errs = append(errs, w)
	}
	for _, n := range e.Notify {
		errs = append(errs, n)
	}
	return errs
}

func (e *EvaluationError) empty() bool {
	return len(e.Write) == 0 && len(e.Notify) == 0
}
