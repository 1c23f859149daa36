package tus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/keelstream/tuskd/store"
	"go.uber.org/zap"
)

const (
	// Version is the implemented tus protocol version.
	Version = "1.0.0"

	// Extensions advertised on OPTIONS.
	Extensions = "creation,creation-defer-length,termination,expiration,concatenation,checksum"

	contentTypeOffsetStream = "application/offset+octet-stream"
)

// Config wires an upload handler.
type Config struct {
	// BasePath is the URL prefix the handler is mounted under, e.g. "/files".
	BasePath string

	// MaxSize caps the total size of a single upload. Zero disables it.
	MaxSize int64

	// ExpirationTime is added to now on every write to produce Upload-Expires.
	ExpirationTime time.Duration

	// Disposition selects "inline" or "attachment" downloads.
	Disposition string

	// RedirectDownload, when set, turns GET into a redirect to this URL
	// template; "{uid}" is replaced with the upload id.
	RedirectDownload string

	// Store is the working chunk store.
	Store store.Storage

	// PermanentStore, when set, receives finished uploads and serves
	// downloads.
	PermanentStore store.Storage

	Hooks  Hooks
	Logger *zap.Logger
}

// Handler implements the tus 1.0.0 server protocol over a chunk store.
type Handler struct {
	cfg      Config
	basePath string
	locker   *uploadLocker
	logger   *zap.Logger
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("tus: a store is required")
	}
	if strings.Trim(cfg.BasePath, "/") == "" {
		return nil, errors.New("tus: a base path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Disposition == "" {
		cfg.Disposition = "attachment"
	}

	basePath := "/" + strings.Trim(cfg.BasePath, "/")

	return &Handler{
		cfg:      cfg,
		basePath: basePath,
		locker:   newUploadLocker(),
		logger:   cfg.Logger,
	}, nil
}

// SetupRoutes mounts the handler under its base path. The optional wrap
// middlewares (CORS, auth) are applied outside the protocol middleware.
func (h *Handler) SetupRoutes(router *mux.Router, wrap ...mux.MiddlewareFunc) {
	routes := mux.NewRouter()
	sub := routes.PathPrefix(h.basePath).Subrouter()
	sub.HandleFunc("", h.CreateFile).Methods(http.MethodPost)
	sub.HandleFunc("/", h.CreateFile).Methods(http.MethodPost)
	sub.HandleFunc("/{id}", h.HeadFile).Methods(http.MethodHead)
	sub.HandleFunc("/{id}", h.PatchFile).Methods(http.MethodPatch)
	sub.HandleFunc("/{id}", h.GetFile).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", h.DelFile).Methods(http.MethodDelete)

	var handler http.Handler = h.Middleware(routes)
	for i := len(wrap) - 1; i >= 0; i-- {
		handler = wrap[i](handler)
	}

	router.PathPrefix(h.basePath).Handler(handler)
}

// Middleware enforces the cross-cutting protocol rules: method override,
// OPTIONS capability discovery and the Tus-Resumable version check.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Single rewrite for clients that cannot issue PATCH or DELETE.
		if newMethod := r.Header.Get("X-HTTP-Method-Override"); newMethod != "" {
			r.Method = strings.ToUpper(newMethod)
		}

		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.NewString())
		}

		header := w.Header()
		header.Set("Tus-Resumable", Version)
		header.Set("X-Content-Type-Options", "nosniff")

		h.requestLogger(r).Debug("request incoming")

		if r.Method == http.MethodOptions {
			header.Set("Tus-Version", Version)
			header.Set("Tus-Extension", Extensions)
			header.Set("Tus-Checksum-Algorithm", strings.Join(checksumAlgorithmNames, ","))
			if h.cfg.MaxSize > 0 {
				header.Set("Tus-Max-Size", strconv.FormatInt(h.cfg.MaxSize, 10))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if r.Method != http.MethodGet && r.Header.Get("Tus-Resumable") != Version {
			header.Set("Tus-Version", Version)
			h.sendError(w, r, ErrUnsupportedVersion)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CreateFile handles POST: upload creation, final concatenation and
// creation-with-upload.
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.requestLogger(r)

	containsChunk := r.Header.Get("Content-Type") == contentTypeOffsetStream

	concatHeader := r.Header.Get("Upload-Concat")
	isPartial, isFinal, partUIDs, err := parseConcat(concatHeader, h.basePath)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	var length int64
	var deferred bool
	if isFinal {
		// A final upload is assembled, never written to directly.
		if containsChunk {
			h.sendError(w, r, ErrModifyFinal)
			return
		}
	} else {
		length, deferred, err = parseLengthHeaders(r.Header.Get("Upload-Length"), r.Header.Get("Upload-Defer-Length"))
		if err != nil {
			h.sendError(w, r, err)
			return
		}
		if h.cfg.MaxSize > 0 && length > h.cfg.MaxSize {
			h.sendError(w, r, ErrSizeExceeded)
			return
		}
	}

	metaHeader := r.Header.Get("Upload-Metadata")
	if err := validateMetadataHeader(metaHeader); err != nil {
		h.sendError(w, r, err)
		return
	}

	uid := newUID()

	info := NewInfo()
	info.SetOffset(0)
	info.SetMetadataHeader(metaHeader)
	info.SetContentTypeFromMetadata()
	info.SetExpires(time.Now().Add(h.cfg.ExpirationTime))
	switch {
	case isPartial:
		info.SetConcat("partial")
	case isFinal:
		info.SetConcat(concatHeader)
	}
	if deferred {
		info.SetDeferLength()
	} else if !isFinal {
		info.SetLength(length)
	}

	if err := h.cfg.Hooks.beforeCreate(ctx, uid, info); err != nil {
		h.sendError(w, r, err)
		return
	}

	finished := false
	if isFinal {
		total, err := h.concatenate(ctx, uid, partUIDs, info)
		if err != nil {
			h.sendError(w, r, err)
			return
		}
		length = total
		finished = true
	} else {
		if err := h.cfg.Store.CreateFile(ctx, uid, info.Map()); err != nil {
			h.sendError(w, r, translateStorage(err))
			return
		}
	}

	var written int64
	if containsChunk && !isFinal {
		var writeErr error
		written, writeErr = h.writeBody(ctx, r, uid, info)
		info.SetOffset(written)
		if writeErr != nil {
			// Chunks that made it in stay committed; persist their
			// offset so HEAD and a retry agree with what is stored.
			if written > 0 {
				if err := h.cfg.Store.UpdateInfo(ctx, uid, info.Map()); err != nil {
					h.sendError(w, r, translateStorage(err))
					return
				}
			}
			h.sendError(w, r, writeErr)
			return
		}
	}
	if !isFinal && !deferred && length == written {
		finished = true
	}

	if err := h.cfg.Store.UpdateInfo(ctx, uid, info.Map()); err != nil {
		h.sendError(w, r, translateStorage(err))
		return
	}

	if err := h.cfg.Hooks.afterCreate(ctx, uid, info); err != nil {
		h.sendError(w, r, err)
		return
	}

	if finished {
		if err := h.finishUpload(ctx, uid, info); err != nil {
			h.sendError(w, r, err)
			return
		}
	}

	url := h.absFileURL(r, uid)
	log.Info("upload created",
		zap.String("id", uid),
		zap.Int64("size", length),
		zap.String("url", url),
	)

	header := w.Header()
	header.Set("Location", url)
	copyHeaders(header, info.Headers())
	w.WriteHeader(http.StatusCreated)
}

// HeadFile reports the current offset and the upload's info headers.
func (h *Handler) HeadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	info, _, err := h.readInfo(ctx, id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Cache-Control", "no-store")
	copyHeaders(header, info.Headers())
	w.WriteHeader(http.StatusNoContent)
}

// PatchFile appends a body to an upload at the declared offset.
func (h *Handler) PatchFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	log := h.requestLogger(r).With(zap.String("id", id))

	if r.Header.Get("Content-Type") != contentTypeOffsetStream {
		h.sendError(w, r, ErrUnsupportedMediaType)
		return
	}

	reqOffset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || reqOffset < 0 {
		h.sendError(w, r, invalidHeader("missing or invalid Upload-Offset header"))
		return
	}

	unlock := h.locker.lock(id)
	defer unlock()

	infoMap, err := h.cfg.Store.ReadInfo(ctx, id)
	if err != nil {
		h.sendError(w, r, translateStorage(err))
		return
	}
	info := InfoFromMap(infoMap)

	if info.IsFinal() {
		h.sendError(w, r, ErrModifyFinal)
		return
	}

	// A deferred length may be declared on any PATCH.
	if v := r.Header.Get("Upload-Length"); v != "" {
		if !info.DeferLength() {
			h.sendError(w, r, invalidHeader("upload length is not deferred"))
			return
		}
		declared, err := strconv.ParseInt(v, 10, 64)
		if err != nil || declared < 0 || declared < info.Offset() {
			h.sendError(w, r, invalidHeader("missing or invalid Upload-Length header"))
			return
		}
		if h.cfg.MaxSize > 0 && declared > h.cfg.MaxSize {
			h.sendError(w, r, ErrSizeExceeded)
			return
		}
		info.SetLength(declared)
	}

	offset := info.Offset()
	if reqOffset != offset {
		h.sendError(w, r, ErrOffsetMismatch)
		return
	}

	length, hasLength := info.Length()
	if hasLength && offset == length {
		h.sendError(w, r, ErrAlreadyFinished)
		return
	}

	if r.ContentLength > 0 {
		if hasLength && offset+r.ContentLength > length {
			h.sendError(w, r, ErrSizeExceeded)
			return
		}
		if h.cfg.MaxSize > 0 && offset+r.ContentLength > h.cfg.MaxSize {
			h.sendError(w, r, ErrSizeExceeded)
			return
		}
	}

	written, writeErr := h.writeBody(ctx, r, id, info)

	newOffset := offset + written
	info.SetOffset(newOffset)
	info.SetExpires(time.Now().Add(h.cfg.ExpirationTime))

	if written > 0 || writeErr == nil {
		if err := h.cfg.Store.UpdateInfo(ctx, id, info.Map()); err != nil {
			h.sendError(w, r, translateStorage(err))
			return
		}
	}
	if writeErr != nil {
		h.sendError(w, r, writeErr)
		return
	}

	log.Info("chunk written", zap.Int64("bytes", written), zap.Int64("offset", newOffset))

	if hasLength && newOffset == length {
		if err := h.finishUpload(ctx, id, info); err != nil {
			h.sendError(w, r, err)
			return
		}
	}

	header := w.Header()
	header.Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	copyHeaders(header, info.Headers())
	w.WriteHeader(http.StatusNoContent)
}

// GetFile streams a finished or in-progress upload, honoring byte ranges.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.cfg.RedirectDownload != "" {
		url := strings.ReplaceAll(h.cfg.RedirectDownload, "{uid}", id)
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	info, src, err := h.readInfo(ctx, id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	// Serve what is durably stored; a write commits its chunks before the
	// info blob's offset is brought up to them.
	length, err := src.Length(ctx, id)
	if err != nil {
		h.sendError(w, r, translateStorage(err))
		return
	}

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("ETag", `W/"`+id+`"`)
	header.Set("Content-Disposition", contentDisposition(h.cfg.Disposition, info.Filename()))

	if length == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := info.ContentType()
	if contentType == "" {
		contentType = h.sniffContentType(ctx, src, id, length)
	}
	header.Set("Content-Type", contentType)

	rng, status := NegotiateRange(r.Header.Get("Range"), length)
	if status == http.StatusRequestedRangeNotSatisfiable {
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", length))
		h.sendError(w, r, ErrRangeUnsatisfiable)
		return
	}

	stream, err := src.GetFile(ctx, id, &rng)
	if err != nil {
		h.sendError(w, r, translateStorage(err))
		return
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			h.logger.Warn("closing download stream", zap.String("id", id), zap.Error(cerr))
		}
	}()

	if status == http.StatusPartialContent {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, length))
	}
	header.Set("Content-Length", strconv.FormatInt(rng.Size(), 10))

	w.WriteHeader(status)
	if _, err := io.Copy(w, stream); err != nil {
		h.requestLogger(r).Warn("download interrupted", zap.String("id", id), zap.Error(err))
	}
}

// DelFile terminates an upload. Termination of a missing upload succeeds.
func (h *Handler) DelFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	unlock := h.locker.lock(id)
	defer unlock()

	info := NewInfo()
	if m, _, err := h.readInfo(ctx, id); err == nil {
		info = m
	}

	if err := h.cfg.Store.DeleteFile(ctx, id); err != nil {
		h.sendError(w, r, translateStorage(err))
		return
	}
	if h.cfg.PermanentStore != nil {
		if err := h.cfg.PermanentStore.DeleteFile(ctx, id); err != nil {
			h.sendError(w, r, translateStorage(err))
			return
		}
	}

	if err := h.cfg.Hooks.afterTerminate(ctx, id, info); err != nil {
		h.sendError(w, r, err)
		return
	}

	h.requestLogger(r).Info("upload terminated", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// concatenate builds a final upload from finished partial uploads (§ the
// concatenation extension) and updates the info blob with the summed
// length.
func (h *Handler) concatenate(ctx context.Context, uid string, partUIDs []string, info Info) (int64, error) {
	var sum int64
	for _, partUID := range partUIDs {
		partMap, err := h.cfg.Store.ReadInfo(ctx, partUID)
		if err != nil {
			if errors.Is(err, store.ErrFileNotFound) {
				return 0, invalidHeader("partial upload not found")
			}
			return 0, err
		}
		part := InfoFromMap(partMap)

		if !part.IsPartial() {
			return 0, invalidHeader("upload is not partial")
		}
		length, ok := part.Length()
		if !ok || part.Offset() != length {
			return 0, invalidHeader("partial upload is not finished")
		}
		sum += length
	}

	if h.cfg.MaxSize > 0 && sum > h.cfg.MaxSize {
		return 0, invalidHeader("concatenated upload exceeds maximum allowed size")
	}

	total, err := h.cfg.Store.Concatenate(ctx, uid, partUIDs, info.Map())
	if err != nil {
		return 0, translateStorage(err)
	}

	info.SetLength(total)
	info.SetOffset(total)
	return total, nil
}

// writeBody streams the request body into the store, running a checksum
// pass first when the request demands one.
func (h *Handler) writeBody(ctx context.Context, r *http.Request, uid string, info Info) (int64, error) {
	total := int64(-1)
	if length, ok := info.Length(); ok {
		total = length
	}

	var src io.Reader = r.Body
	if r.Body == nil {
		src = strings.NewReader("")
	}

	if checksumHeader := r.Header.Get("Upload-Checksum"); checksumHeader != "" {
		algo, digest, err := parseChecksumHeader(checksumHeader)
		if err != nil {
			return 0, err
		}

		spool, err := newSpoolReader(src)
		if err != nil {
			return 0, internalError("cannot buffer request body")
		}
		defer func() {
			_ = spool.Close()
		}()

		if err := verifyChecksum(algo, digest, spool); err != nil {
			return 0, err
		}
		if err := spool.Rewind(); err != nil {
			return 0, internalError("cannot rewind request body")
		}
		src = spool
	}

	written, err := h.cfg.Store.PatchFile(ctx, uid, src, total)
	if err != nil {
		return written, translateStorage(err)
	}
	return written, nil
}

// finishUpload runs the optional backend finalizer, promotes the artifact
// into the permanent store and fires the after finish hook.
func (h *Handler) finishUpload(ctx context.Context, uid string, info Info) error {
	if fin, ok := h.cfg.Store.(store.Finalizer); ok {
		if err := fin.FinalizeFile(ctx, uid, info.Map()); err != nil {
			return err
		}
	}

	if h.cfg.PermanentStore != nil {
		if err := h.promote(ctx, uid, info); err != nil {
			return err
		}
	}

	return h.cfg.Hooks.afterFinish(ctx, uid, info)
}

// promote copies a finished upload into the permanent store and drops it
// from the working store.
func (h *Handler) promote(ctx context.Context, uid string, info Info) error {
	stream, err := h.cfg.Store.GetFile(ctx, uid, nil)
	if err != nil {
		return translateStorage(err)
	}
	defer func() {
		_ = stream.Close()
	}()

	if err := h.cfg.PermanentStore.CreateFile(ctx, uid, info.Map()); err != nil {
		return translateStorage(err)
	}

	total := info.Offset()
	if _, err := h.cfg.PermanentStore.PatchFile(ctx, uid, stream, total); err != nil {
		return translateStorage(err)
	}
	if err := h.cfg.PermanentStore.UpdateInfo(ctx, uid, info.Map()); err != nil {
		return translateStorage(err)
	}

	// Release the read cursor before the working copy is deleted.
	if err := stream.Close(); err != nil {
		return err
	}

	return h.cfg.Store.DeleteFile(ctx, uid)
}

// readInfo loads an upload's info blob, preferring the permanent store for
// promoted uploads, and reports which store holds the bytes.
func (h *Handler) readInfo(ctx context.Context, uid string) (Info, store.Storage, error) {
	if h.cfg.PermanentStore != nil {
		m, err := h.cfg.PermanentStore.ReadInfo(ctx, uid)
		if err == nil {
			return InfoFromMap(m), h.cfg.PermanentStore, nil
		}
		if !errors.Is(err, store.ErrFileNotFound) {
			return Info{}, nil, err
		}
	}

	m, err := h.cfg.Store.ReadInfo(ctx, uid)
	if err != nil {
		return Info{}, nil, translateStorage(err)
	}
	return InfoFromMap(m), h.cfg.Store, nil
}

// sniffContentType detects a content type from the first bytes of the
// upload when none was declared in the metadata.
func (h *Handler) sniffContentType(ctx context.Context, src store.Storage, uid string, length int64) string {
	end := int64(3071)
	if end > length-1 {
		end = length - 1
	}

	stream, err := src.GetFile(ctx, uid, &store.ByteRange{Start: 0, End: end})
	if err != nil {
		return "application/octet-stream"
	}
	defer func() {
		_ = stream.Close()
	}()

	mtype, err := mimetype.DetectReader(stream)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var terr Error
	if !errors.As(err, &terr) {
		h.requestLogger(r).Error("internal error", zap.Error(err))
		terr = internalError("internal server error")
	}

	if terr.Status >= http.StatusInternalServerError {
		h.requestLogger(r).Error("request failed", zap.Int("status", terr.Status), zap.String("reason", terr.Message))
	} else {
		h.requestLogger(r).Debug("request rejected", zap.Int("status", terr.Status), zap.String("reason", terr.Message))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(terr.Status)
	if r.Method != http.MethodHead {
		_, _ = fmt.Fprintln(w, terr.Message)
	}
}

func (h *Handler) requestLogger(r *http.Request) *zap.Logger {
	return h.logger.With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID(r)),
	)
}

// absFileURL builds the absolute Location of an upload.
func (h *Handler) absFileURL(r *http.Request, id string) string {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	return proto + "://" + r.Host + h.basePath + "/" + id
}

func contentDisposition(disposition, filename string) string {
	if filename != "" {
		return disposition + ";filename=" + strconv.Quote(filename)
	}
	return disposition
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Set(key, value)
		}
	}
}

// parseLengthHeaders validates the creation length headers: exactly one of
// Upload-Length (a non-negative integer) or Upload-Defer-Length: 1.
func parseLengthHeaders(lengthHeader, deferHeader string) (length int64, deferred bool, err error) {
	if deferHeader != "" && deferHeader != "1" {
		return 0, false, invalidHeader("missing or invalid Upload-Defer-Length header")
	}
	if deferHeader == "1" {
		if lengthHeader != "" {
			return 0, false, invalidHeader("Upload-Length and Upload-Defer-Length are mutually exclusive")
		}
		return 0, true, nil
	}

	length, perr := strconv.ParseInt(lengthHeader, 10, 64)
	if perr != nil || length < 0 {
		return 0, false, invalidHeader("missing or invalid Upload-Length header")
	}
	return length, false, nil
}

// requestID returns the inbound X-Request-ID, or generates one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		if len(id) > 36 {
			id = id[:36]
		}
		return id
	}
	return uuid.NewString()
}

// newUID generates a 128 bit random hex upload id.
func newUID() string {
	id := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		panic(err)
	}
	return hex.EncodeToString(id)
}
