package analytics

import "fmt"

type IncompleteCheckError struct {
	CheckID string
	Status  string
}

func (e *IncompleteCheckError) Error() string {
	return fmt.Sprintf("check %s is not completed (status=%s)", e.CheckID, e.Status)
}

func (e *IncompleteCheckError) Code() string { return "incomplete_check" }

type InsufficientDataError struct {
	Subject string
	Reason  string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.Subject, e.Reason)
}

func (e *InsufficientDataError) Code() string { return "insufficient_data" }

// FormulaMismatchError is returned when stored scores computed by different
// formula versions would be blended into one summary.
type FormulaMismatchError struct {
	Expected string
	Found    string
}

func (e *FormulaMismatchError) Error() string {
	return fmt.Sprintf("score formula mismatch: expected %s, found %s", e.Expected, e.Found)
}

func (e *FormulaMismatchError) Code() string { return "formula_mismatch" }
