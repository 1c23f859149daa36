package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrFileNotFound is returned when no upload exists for a uid.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileExists is returned when a uid collides on creation.
	ErrFileExists = errors.New("file already exists")
	// ErrUnevenChunks is returned when a write or concatenation would
	// produce a non-terminal chunk smaller than the upload's chunk size.
	ErrUnevenChunks = errors.New("uneven chunks")
	// ErrSizeExceeded is returned when a write would exceed the configured
	// maximum upload size.
	ErrSizeExceeded = errors.New("maximum size exceeded")
)

// ByteRange is an inclusive byte range within an upload.
type ByteRange struct {
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the range.
func (r ByteRange) Size() int64 {
	return r.End - r.Start + 1
}

// Storage is the persistence contract of the upload server. Implementations
// must tolerate concurrent operations on distinct uids; operations on a
// single uid are serialized by the caller.
type Storage interface {
	// CreateFile inserts an empty upload with the given opaque info blob.
	// The info key "Content-Type", when present, is recorded as the
	// upload's content type.
	CreateFile(ctx context.Context, uid string, info map[string]string) error

	// PatchFile appends src to the upload. The first block read fixes the
	// upload's chunk size; every following block must fill it exactly,
	// except the terminal block of an upload whose declared total length
	// is reached. total is the declared upload length, or -1 when the
	// length is deferred. Returns the number of bytes durably appended.
	PatchFile(ctx context.Context, uid string, src io.Reader, total int64) (int64, error)

	// GetFile streams the bytes covered by rng, or the whole upload when
	// rng is nil. The caller must close the returned stream.
	GetFile(ctx context.Context, uid string, rng *ByteRange) (io.ReadCloser, error)

	// DeleteFile removes the upload and all of its chunks. Deleting a
	// missing uid is a no-op.
	DeleteFile(ctx context.Context, uid string) error

	// ReadInfo returns the opaque info blob stored for the upload.
	ReadInfo(ctx context.Context, uid string) (map[string]string, error)

	// UpdateInfo replaces the upload's info blob wholesale.
	UpdateInfo(ctx context.Context, uid string, info map[string]string) error

	// Concatenate assembles a new upload from the chunks of the given
	// parts, in order, and deletes the parts. Returns the summed length.
	Concatenate(ctx context.Context, finalUID string, partUIDs []string, info map[string]string) (int64, error)

	// ExpireFiles deletes every upload whose last write predates before,
	// cascading to its chunks.
	ExpireFiles(ctx context.Context, before time.Time) error

	// Length reports the number of bytes persisted for the upload.
	Length(ctx context.Context, uid string) (int64, error)
}

// Finalizer is an optional capability of storage backends that want a
// notification when an upload reaches its declared length.
type Finalizer interface {
	FinalizeFile(ctx context.Context, uid string, info map[string]string) error
}
