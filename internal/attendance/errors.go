package attendance

import "errors"

var (
	ErrInvalidLocation = errors.New("invalid location")
	ErrMissingImage    = errors.New("missing image")
	ErrInvalidTask     = errors.New("invalid task")
	ErrInvalidSubject  = errors.New("invalid subject")
	ErrInvalidTime     = errors.New("invalid check-in time")

	ErrUploadFailed        = errors.New("image upload failed")
	ErrVerifierTimeout     = errors.New("identity verifier timed out")
	ErrVerifierUnavailable = errors.New("identity verifier unavailable")
	ErrStoreFailed         = errors.New("record store write failed")

	ErrNotFound        = errors.New("record not found")
	ErrNotPending      = errors.New("record is not pending review")
	ErrInvalidDecision = errors.New("invalid review decision")
)

// ErrorCode maps a submission error to its wire reason code. Unknown errors map
// to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidLocation):
		return "invalid_location"
	case errors.Is(err, ErrMissingImage):
		return "missing_image"
	case errors.Is(err, ErrInvalidTask):
		return "invalid_task"
	case errors.Is(err, ErrInvalidSubject):
		return "invalid_subject"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, ErrVerifierTimeout):
		return "verifier_timeout"
	case errors.Is(err, ErrVerifierUnavailable):
		return "verifier_unavailable"
	case errors.Is(err, ErrStoreFailed):
		return "store_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrInvalidDecision):
		return "invalid_decision"
	}
	return "internal"
}

// IsValidationError reports whether err rejected the submission before any
// external call was made.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidLocation) ||
		errors.Is(err, ErrMissingImage) ||
		errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrInvalidSubject) ||
		errors.Is(err, ErrInvalidTime)
}

// IsUpstreamError reports whether err came from a collaborator failure.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUploadFailed) ||
		errors.Is(err, ErrVerifierTimeout) ||
		errors.Is(err, ErrVerifierUnavailable) ||
		errors.Is(err, ErrStoreFailed)
}
