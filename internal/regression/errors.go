package regression

import "fmt"

// InsufficientDataError is returned when a window has too few clean rows to fit.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d rows (need >= %d)", e.Have, e.Need)
}
