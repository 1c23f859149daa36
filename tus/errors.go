package tus

import (
	"errors"
	"net/http"

	"github.com/keelstream/tuskd/store"
)

// StatusChecksumMismatch is the non-standard response code the checksum
// extension uses when a supplied digest does not match the body.
const StatusChecksumMismatch = 460

// Error is a protocol failure rendered to the client as a plain text body
// with the given status code.
type Error struct {
	Status  int
	Message string
}

func (e Error) Error() string {
	return e.Message
}

var (
	ErrNotFound             = Error{http.StatusNotFound, "upload not found"}
	ErrOffsetMismatch       = Error{http.StatusConflict, "offset does not match"}
	ErrUnsupportedMediaType = Error{http.StatusUnsupportedMediaType, "missing or invalid Content-Type header"}
	ErrUnsupportedVersion   = Error{http.StatusPreconditionFailed, "unsupported version"}
	ErrSizeExceeded         = Error{http.StatusRequestEntityTooLarge, "upload exceeds maximum allowed size"}
	ErrUnevenChunks         = Error{http.StatusBadRequest, "request body breaks the upload's chunk size"}
	ErrChecksumMismatch     = Error{StatusChecksumMismatch, "checksum mismatch"}
	ErrAlreadyFinished      = Error{http.StatusForbidden, "upload already finished"}
	ErrModifyFinal          = Error{http.StatusForbidden, "a final upload cannot be modified"}
	ErrRangeUnsatisfiable   = Error{http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable"}
)

func invalidHeader(message string) Error {
	return Error{http.StatusBadRequest, message}
}

func internalError(message string) Error {
	return Error{http.StatusInternalServerError, message}
}

// translateStorage maps chunk store sentinels onto protocol errors.
func translateStorage(err error) error {
	switch {
	case errors.Is(err, store.ErrFileNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrSizeExceeded):
		return ErrSizeExceeded
	case errors.Is(err, store.ErrUnevenChunks):
		return ErrUnevenChunks
	default:
		return err
	}
}
