package tus

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names recognized in the per-upload info blob. Values are stored
// verbatim in the header's wire form.
const (
	headerUploadLength      = "Upload-Length"
	headerUploadOffset      = "Upload-Offset"
	headerUploadDeferLength = "Upload-Defer-Length"
	headerUploadMetadata    = "Upload-Metadata"
	headerUploadConcat      = "Upload-Concat"
	headerUploadExpires     = "Upload-Expires"

	// infoContentType is not a tus header; it carries the content type
	// extracted from the metadata into the storage layer.
	infoContentType = "Content-Type"
)

// Info is a typed, request-scoped view over an upload's info blob.
type Info struct {
	m map[string]string
}

func NewInfo() Info {
	return Info{m: make(map[string]string)}
}

// InfoFromMap wraps an info blob read back from storage.
func InfoFromMap(m map[string]string) Info {
	if m == nil {
		m = make(map[string]string)
	}
	return Info{m: m}
}

// Map exposes the underlying blob for persistence.
func (i Info) Map() map[string]string {
	return i.m
}

// Length returns the declared upload length. ok is false while the length
// is deferred or unset.
func (i Info) Length() (int64, bool) {
	v, ok := i.m[headerUploadLength]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (i Info) SetLength(n int64) {
	i.m[headerUploadLength] = strconv.FormatInt(n, 10)
	delete(i.m, headerUploadDeferLength)
}

func (i Info) Offset() int64 {
	n, err := strconv.ParseInt(i.m[headerUploadOffset], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (i Info) SetOffset(n int64) {
	i.m[headerUploadOffset] = strconv.FormatInt(n, 10)
}

func (i Info) DeferLength() bool {
	return i.m[headerUploadDeferLength] == "1"
}

func (i Info) SetDeferLength() {
	i.m[headerUploadDeferLength] = "1"
}

// Metadata decodes the Upload-Metadata header into its key value pairs.
func (i Info) Metadata() map[string]string {
	return ParseMetadataHeader(i.m[headerUploadMetadata])
}

func (i Info) SetMetadataHeader(header string) {
	if header != "" {
		i.m[headerUploadMetadata] = header
	}
}

func (i Info) SetConcat(value string) {
	if value != "" {
		i.m[headerUploadConcat] = value
	}
}

func (i Info) IsPartial() bool {
	return i.m[headerUploadConcat] == "partial"
}

func (i Info) IsFinal() bool {
	return strings.HasPrefix(i.m[headerUploadConcat], "final;")
}

// PartUIDs extracts the uids referenced by a final upload's concat header.
func (i Info) PartUIDs(basePath string) []string {
	_, _, ids, err := parseConcat(i.m[headerUploadConcat], basePath)
	if err != nil {
		return nil
	}
	return ids
}

func (i Info) Expires() (time.Time, bool) {
	v, ok := i.m[headerUploadExpires]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC1123, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (i Info) SetExpires(t time.Time) {
	i.m[headerUploadExpires] = t.UTC().Format(http.TimeFormat)
}

func (i Info) ContentType() string {
	return i.m[infoContentType]
}

// SetContentTypeFromMetadata promotes a content type declared in the
// upload metadata into the blob for the storage layer.
func (i Info) SetContentTypeFromMetadata() {
	meta := i.Metadata()
	for _, key := range []string{"content_type", "contentType", "filetype", "type"} {
		if v, ok := meta[key]; ok && v != "" {
			i.m[infoContentType] = v
			return
		}
	}
}

func (i Info) Filename() string {
	meta := i.Metadata()
	for _, key := range []string{"filename", "name"} {
		if v, ok := meta[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// Headers serializes the blob back into tus response headers.
func (i Info) Headers() http.Header {
	h := make(http.Header)

	h.Set(headerUploadOffset, strconv.FormatInt(i.Offset(), 10))

	if length, ok := i.Length(); ok {
		h.Set(headerUploadLength, strconv.FormatInt(length, 10))
	} else if i.DeferLength() {
		h.Set(headerUploadDeferLength, "1")
	}

	if v, ok := i.m[headerUploadMetadata]; ok && v != "" {
		h.Set(headerUploadMetadata, v)
	}
	if v, ok := i.m[headerUploadConcat]; ok && v != "" {
		h.Set(headerUploadConcat, v)
	}
	if v, ok := i.m[headerUploadExpires]; ok && v != "" {
		h.Set(headerUploadExpires, v)
	}

	return h
}

// ParseMetadataHeader decodes an Upload-Metadata header, e.g.
// "name bHVucmpzLnBuZw==,type aW1hZ2UvcG5n". Malformed elements are
// skipped.
func ParseMetadataHeader(header string) map[string]string {
	meta := make(map[string]string)

	for _, element := range strings.Split(header, ",") {
		element = strings.TrimSpace(element)

		parts := strings.Split(element, " ")
		if len(parts) > 2 {
			continue
		}

		key := parts[0]
		if key == "" {
			continue
		}

		value := ""
		if len(parts) == 2 {
			dec, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				continue
			}
			value = string(dec)
		}

		meta[key] = value
	}

	return meta
}

// SerializeMetadataHeader encodes key value pairs into the Upload-Metadata
// wire form.
func SerializeMetadataHeader(meta map[string]string) string {
	header := ""
	for key, value := range meta {
		header += key + " " + base64.StdEncoding.EncodeToString([]byte(value)) + ","
	}
	if len(header) > 0 {
		header = header[:len(header)-1]
	}
	return header
}

// validateMetadataHeader rejects a creation request whose Upload-Metadata
// is not a comma separated list of "key SP base64" pairs with ASCII keys.
func validateMetadataHeader(header string) error {
	if header == "" {
		return nil
	}

	for _, element := range strings.Split(header, ",") {
		element = strings.TrimSpace(element)
		if element == "" {
			return invalidHeader("invalid Upload-Metadata header")
		}

		parts := strings.Split(element, " ")
		if len(parts) > 2 || parts[0] == "" {
			return invalidHeader("invalid Upload-Metadata header")
		}
		for _, r := range parts[0] {
			if r > 127 {
				return invalidHeader("invalid Upload-Metadata header")
			}
		}
		if len(parts) == 2 {
			if _, err := base64.StdEncoding.DecodeString(parts[1]); err != nil {
				return invalidHeader("invalid Upload-Metadata header")
			}
		}
	}

	return nil
}

// parseConcat parses an Upload-Concat header, e.g. "partial" or
// "final;http://host/files/a http://host/files/b".
func parseConcat(header, basePath string) (isPartial, isFinal bool, partUIDs []string, err error) {
	if len(header) == 0 {
		return
	}

	if header == "partial" {
		isPartial = true
		return
	}

	if rest, ok := strings.CutPrefix(header, "final;"); ok && rest != "" {
		isFinal = true
		for _, value := range strings.Split(rest, " ") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}

			id, ok := extractIDFromURL(value, basePath)
			if !ok {
				err = invalidHeader("invalid Upload-Concat header")
				return
			}
			partUIDs = append(partUIDs, id)
		}
	}

	if !isPartial && len(partUIDs) == 0 {
		isFinal = false
		err = invalidHeader("invalid Upload-Concat header")
	}

	return
}

// extractIDFromURL pulls the upload id out of a referenced URL, which must
// contain the server's base path.
func extractIDFromURL(url, basePath string) (string, bool) {
	_, id, ok := strings.Cut(url, basePath)
	if !ok {
		return "", false
	}
	id = strings.Trim(id, "/")
	if id == "" {
		return "", false
	}
	return id, true
}
