package datasync

import (
	"errors"
	"fmt"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

// OutcomeError is returned when the server rejects a request with an
// OperationOutcome.
type OutcomeError struct {
	StatusCode int
	Outcome    *fhir.OperationOutcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("server returned OperationOutcome (status %d): %s", e.StatusCode, e.Outcome.Summary())
}

// TransportError is a failure to reach the server or read its answer.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// permanentCodes are issue types a retry cannot fix.
var permanentCodes = []string{
	fhir.IssueTypeInvalid, fhir.IssueTypeStructure, fhir.IssueTypeRequired,
}

// IsPermanent reports whether err is a server rejection that will not
// change on retry.
func IsPermanent(err error) bool {
	var oe *OutcomeError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.Outcome.HasCode(permanentCodes...)
}
