package ingest

import (
	"fmt"

	"github.com/lox/gasflow/internal/models"
)

// IncompleteRunError means a cycle returned too few forecast hours to keep.
// The cycle is not cached so a later pass retries it from scratch.
type IncompleteRunError struct {
	ID       models.CycleID
	Got      int
	Total    int
	Required int
	Aborted  bool // stopped after consecutive hour failures
}

func (e *IncompleteRunError) Error() string {
	msg := fmt.Sprintf("incomplete run %s: got %d/%d hours (need %d)", e.ID, e.Got, e.Total, e.Required)
	if e.Aborted {
		msg += ", aborted after consecutive failures"
	}
	return msg
}

// ProviderError is a transport or upstream failure fetching one cycle.
type ProviderError struct {
	ID  models.CycleID
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
