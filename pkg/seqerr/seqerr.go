package seqerr

import (
	"errors"
	"fmt"
)

const (
	SEQ_INVALID_ARGUMENT = "SEQIA"
	SEQ_SETUP_FAILURE    = "SEQSF"
	SEQ_STORAGE_ERROR    = "SEQST"
	SEQ_UNEXPECTED       = "SEQUN"
)

var existingErrorCodeMap = map[string]string{
	SEQ_INVALID_ARGUMENT: "InvalidArgument",
	SEQ_SETUP_FAILURE:    "SetupFailure",
	SEQ_STORAGE_ERROR:    "StorageError",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &SeqError{}

type SeqError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *SeqError {
	return &SeqError{
		Err:       errors.New(errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, args ...interface{}) *SeqError {
	return &SeqError{
		Err:       fmt.Errorf(format, args...),
		ErrorCode: errorCode,
	}
}

// Wrap tags an underlying error with a sequence error code, keeping the
// original error reachable through Unwrap.
func Wrap(errorCode string, err error) *SeqError {
	return &SeqError{
		Err:       err,
		ErrorCode: errorCode,
	}
}

func (er *SeqError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *SeqError) Unwrap() error {
	return er.Err
}

// CodeOf reports the error code carried by err, or SEQ_UNEXPECTED when err
// is not a SeqError.
func CodeOf(err error) string {
	var se *SeqError
	if errors.As(err, &se) {
		return se.ErrorCode
	}
	return SEQ_UNEXPECTED
}
