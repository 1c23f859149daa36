package tus_test

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/keelstream/tuskd/db/models"
	"github.com/keelstream/tuskd/middleware"
	"github.com/keelstream/tuskd/store"
	"github.com/keelstream/tuskd/tus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	*httptest.Server
	store *store.GridStore
}

func newTestServer(t *testing.T, mutate ...func(*tus.Config)) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.GetModels()...))

	st := store.NewGridStore(db, 3)

	cfg := tus.Config{
		BasePath:       "/files",
		ExpirationTime: time.Hour,
		Store:          st,
		Logger:         zap.NewNop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	handler, err := tus.NewHandler(cfg)
	require.NoError(t, err)

	router := mux.NewRouter()
	handler.SetupRoutes(router, middleware.Cors(nil))

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, store: st}
}

func doRequest(t *testing.T, method, url string, headers map[string]string, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	req.Header.Set("Tus-Resumable", "1.0.0")
	for key, value := range headers {
		if value == "" {
			req.Header.Del(key)
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func createUpload(t *testing.T, ts *testServer, length int64) string {
	t.Helper()

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": fmt.Sprintf("%d", length),
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)
	return location
}

func patchUpload(t *testing.T, location string, offset int64, body string) *http.Response {
	t.Helper()

	return doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": fmt.Sprintf("%d", offset),
	}, body)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestOptionsCapabilities(t *testing.T) {
	ts := newTestServer(t, func(cfg *tus.Config) { cfg.MaxSize = 1024 })

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/files", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1.0.0", resp.Header.Get("Tus-Version"))
	assert.Contains(t, resp.Header.Get("Tus-Extension"), "creation")
	assert.Contains(t, resp.Header.Get("Tus-Extension"), "concatenation")
	assert.Contains(t, resp.Header.Get("Tus-Extension"), "checksum")
	assert.Equal(t, "1024", resp.Header.Get("Tus-Max-Size"))
	assert.Contains(t, resp.Header.Get("Tus-Checksum-Algorithm"), "sha256")
	assert.Contains(t, resp.Header.Get("Tus-Checksum-Algorithm"), "crc32")
}

func TestVersionRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Tus-Resumable": "",
		"Upload-Length": "5",
	}, "")
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "1.0.0", resp.Header.Get("Tus-Version"))
}

func TestSmallUpload(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)

	resp := patchUpload(t, location, 0, "hello")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))
	assert.NotEmpty(t, resp.Header.Get("Upload-Expires"))

	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))
	assert.Equal(t, "5", resp.Header.Get("Upload-Length"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	// GET does not require Tus-Resumable.
	req, err := http.NewRequest(http.MethodGet, location, nil)
	require.NoError(t, err)
	getResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer getResp.Body.Close()

	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	data, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "bytes", getResp.Header.Get("Accept-Ranges"))
	assert.Contains(t, getResp.Header.Get("ETag"), `W/"`)
}

func TestResume(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 11)

	// The test store writes 3-byte chunks, so each body ends on a chunk
	// boundary or completes the upload.
	resp := patchUpload(t, location, 0, "hel")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Retrying at the old offset is rejected without moving the upload.
	resp = patchUpload(t, location, 0, "lo world")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = patchUpload(t, location, 3, "lo world")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get("Upload-Offset"))

	resp = doRequest(t, http.MethodGet, location, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", readBody(t, resp))
}

func TestConcatenation(t *testing.T) {
	ts := newTestServer(t)

	bodies := []string{"hel", "lo ", "wor", "ld"}
	locations := make([]string, 0, len(bodies))
	for _, body := range bodies {
		resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
			"Upload-Length": fmt.Sprintf("%d", len(body)),
			"Upload-Concat": "partial",
		}, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		location := resp.Header.Get("Location")

		patch := patchUpload(t, location, 0, body)
		require.Equal(t, http.StatusNoContent, patch.StatusCode)

		locations = append(locations, location)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Concat": "final;" + strings.Join(locations, " "),
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	finalLocation := resp.Header.Get("Location")

	resp = doRequest(t, http.MethodHead, finalLocation, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get("Upload-Length"))
	assert.Equal(t, "11", resp.Header.Get("Upload-Offset"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Upload-Concat"), "final;"))

	resp = doRequest(t, http.MethodGet, finalLocation, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", readBody(t, resp))

	// Concatenation consumes the parts.
	resp = doRequest(t, http.MethodHead, locations[0], nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A final upload rejects writes.
	resp = patchUpload(t, finalLocation, 11, "more")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConcatenationUnfinishedPart(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": "6",
		"Upload-Concat": "partial",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	location := resp.Header.Get("Location")

	patch := patchUpload(t, location, 0, "hel")
	require.Equal(t, http.StatusNoContent, patch.StatusCode)

	resp = doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Concat": "final;" + location,
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConcatenationNonPartialPart(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 3)
	patch := patchUpload(t, location, 0, "hel")
	require.Equal(t, http.StatusNoContent, patch.StatusCode)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Concat": "final;" + location,
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRangeDownload(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 11)
	patchUpload(t, location, 0, "hello world")

	resp := doRequest(t, http.MethodGet, location, map[string]string{
		"Range": "bytes=6-10",
	}, "")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 6-10/11", resp.Header.Get("Content-Range"))
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Equal(t, "world", readBody(t, resp))

	resp = doRequest(t, http.MethodGet, location, map[string]string{
		"Range": "bytes=100-",
	}, "")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */11", resp.Header.Get("Content-Range"))
}

func TestChecksum(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)

	wrong := sha1.Sum([]byte("other"))
	resp := doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":    "application/offset+octet-stream",
		"Upload-Offset":   "0",
		"Upload-Checksum": "sha1 " + base64.StdEncoding.EncodeToString(wrong[:]),
	}, "hello")
	assert.Equal(t, 460, resp.StatusCode)

	// The rejected write must not advance the offset.
	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, "0", resp.Header.Get("Upload-Offset"))

	right := sha1.Sum([]byte("hello"))
	resp = doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":    "application/offset+octet-stream",
		"Upload-Offset":   "0",
		"Upload-Checksum": "sha1 " + base64.StdEncoding.EncodeToString(right[:]),
	}, "hello")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))
}

func TestChecksumUnsupportedAlgorithm(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)
	resp := doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":    "application/offset+octet-stream",
		"Upload-Offset":   "0",
		"Upload-Checksum": "blake3 abcd",
	}, "hello")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnevenChunks(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 11)

	resp := patchUpload(t, location, 0, "hel")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = patchUpload(t, location, 3, "wo")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, "3", resp.Header.Get("Upload-Offset"))
}

func TestDeferredLength(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Defer-Length": "1",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Upload-Defer-Length"))
	location := resp.Header.Get("Location")

	resp = doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":  "application/offset+octet-stream",
		"Upload-Offset": "0",
		"Upload-Length": "11",
	}, "hello ")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = patchUpload(t, location, 6, "world")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, "11", resp.Header.Get("Upload-Length"))
	assert.Equal(t, "11", resp.Header.Get("Upload-Offset"))
	assert.Empty(t, resp.Header.Get("Upload-Defer-Length"))
}

func TestTerminate(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)

	resp := doRequest(t, http.MethodDelete, location, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Termination is idempotent.
	resp = doRequest(t, http.MethodDelete, location, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAlreadyFinished(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)
	patchUpload(t, location, 0, "hello")

	resp := patchUpload(t, location, 5, "more")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnsupportedMediaType(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)
	resp := doRequest(t, http.MethodPatch, location, map[string]string{
		"Content-Type":  "text/plain",
		"Upload-Offset": "0",
	}, "hello")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestMethodOverride(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)

	resp := doRequest(t, http.MethodPost, location, map[string]string{
		"X-HTTP-Method-Override": "PATCH",
		"Content-Type":           "application/offset+octet-stream",
		"Upload-Offset":          "0",
	}, "hello")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))
}

func TestMaxSize(t *testing.T) {
	ts := newTestServer(t, func(cfg *tus.Config) { cfg.MaxSize = 8 })

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": "20",
	}, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPatchBeyondLength(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)
	resp := patchUpload(t, location, 0, "hello world")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCreateRequiresLength(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateInvalidMetadata(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length":   "5",
		"Upload-Metadata": "filename not-base64!",
	}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreationWithUpload(t *testing.T) {
	ts := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": "5",
		"Content-Type":  "application/offset+octet-stream",
	}, "hello")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))

	location := resp.Header.Get("Location")
	resp = doRequest(t, http.MethodGet, location, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readBody(t, resp))
}

func TestEmptyUploadFinishesAtCreation(t *testing.T) {
	finished := make(chan string, 1)
	ts := newTestServer(t, func(cfg *tus.Config) {
		cfg.Hooks = tus.Hooks{
			AfterFinish: func(_ context.Context, uid string, _ tus.Info) error {
				finished <- uid
				return nil
			},
		}
	})

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": "0",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-finished:
	default:
		t.Fatal("after finish hook not invoked")
	}
}

func TestHooks(t *testing.T) {
	var events []string
	ts := newTestServer(t, func(cfg *tus.Config) {
		cfg.Hooks = tus.Hooks{
			BeforeCreate: func(context.Context, string, tus.Info) error {
				events = append(events, "before_create")
				return nil
			},
			AfterCreate: func(context.Context, string, tus.Info) error {
				events = append(events, "after_create")
				return nil
			},
			AfterFinish: func(context.Context, string, tus.Info) error {
				events = append(events, "after_finish")
				return nil
			},
			AfterTerminate: func(context.Context, string, tus.Info) error {
				events = append(events, "after_terminate")
				return nil
			},
		}
	})

	location := createUpload(t, ts, 5)
	patchUpload(t, location, 0, "hello")
	doRequest(t, http.MethodDelete, location, nil, "")

	assert.Equal(t, []string{"before_create", "after_create", "after_finish", "after_terminate"}, events)
}

func TestHookFailurePropagates(t *testing.T) {
	ts := newTestServer(t, func(cfg *tus.Config) {
		cfg.Hooks = tus.Hooks{
			BeforeCreate: func(context.Context, string, tus.Info) error {
				return fmt.Errorf("rejected by hook")
			},
		}
	})

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length": "5",
	}, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetBeforeFirstByte(t *testing.T) {
	ts := newTestServer(t)

	location := createUpload(t, ts, 5)
	resp := doRequest(t, http.MethodGet, location, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRedirectDownload(t *testing.T) {
	ts := newTestServer(t, func(cfg *tus.Config) {
		cfg.RedirectDownload = "https://cdn.example.com/artifacts/{uid}"
	})

	location := createUpload(t, ts, 5)
	patchUpload(t, location, 0, "hello")

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequest(http.MethodGet, location, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "https://cdn.example.com/artifacts/"))
}

func TestContentDisposition(t *testing.T) {
	ts := newTestServer(t, func(cfg *tus.Config) { cfg.Disposition = "inline" })

	meta := "filename " + base64.StdEncoding.EncodeToString([]byte("hello.txt")) +
		",filetype " + base64.StdEncoding.EncodeToString([]byte("text/plain"))

	resp := doRequest(t, http.MethodPost, ts.URL+"/files", map[string]string{
		"Upload-Length":   "5",
		"Upload-Metadata": meta,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	location := resp.Header.Get("Location")

	patchUpload(t, location, 0, "hello")

	resp = doRequest(t, http.MethodGet, location, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `inline;filename="hello.txt"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestPermanentStorePromotion(t *testing.T) {
	permDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, permDB.AutoMigrate(models.GetModels()...))
	permanent := store.NewGridStore(permDB, 3)

	ts := newTestServer(t, func(cfg *tus.Config) { cfg.PermanentStore = permanent })

	location := createUpload(t, ts, 5)
	resp := patchUpload(t, location, 0, "hello")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The finished artifact now lives in the permanent store.
	_, err = ts.store.ReadInfo(context.Background(), pathID(location))
	assert.ErrorIs(t, err, store.ErrFileNotFound)
	length, err := permanent.Length(context.Background(), pathID(location))
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	// HEAD and GET keep working after promotion.
	resp = doRequest(t, http.MethodHead, location, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Upload-Offset"))

	resp = doRequest(t, http.MethodGet, location, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", readBody(t, resp))
}

func pathID(location string) string {
	parts := strings.Split(strings.TrimSuffix(location, "/"), "/")
	return parts[len(parts)-1]
}
