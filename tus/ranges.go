package tus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/keelstream/tuskd/store"
)

// NegotiateRange resolves a Range header against a known content length
// and returns the byte range to serve together with the response status:
// 200 for a full response (header absent, malformed or multi-range), 206
// for a satisfiable single range, 416 when the range starts past the end.
// length must be positive.
func NegotiateRange(header string, length int64) (store.ByteRange, int) {
	full := store.ByteRange{Start: 0, End: length - 1}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return full, http.StatusOK
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return full, http.StatusOK
	}

	// Suffix form "-n": the last n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return full, http.StatusOK
		}
		if n > length {
			n = length
		}
		return store.ByteRange{Start: length - n, End: length - 1}, http.StatusPartialContent
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return full, http.StatusOK
	}
	if start >= length {
		return store.ByteRange{}, http.StatusRequestedRangeNotSatisfiable
	}

	end := length - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return full, http.StatusOK
		}
	}

	if start > end {
		return full, http.StatusOK
	}
	if end > length-1 {
		end = length - 1
	}

	return store.ByteRange{Start: start, End: end}, http.StatusPartialContent
}
