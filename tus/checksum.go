package tus

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"hash/crc32"
	"io"
	"strings"
)

// checksumAlgorithms maps the advertised algorithm names onto their hash
// constructors.
var checksumAlgorithms = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"md5":    md5.New,
	"crc32":  func() hash.Hash { return crc32.NewIEEE() },
}

// checksumAlgorithmNames is the advertised order for Tus-Checksum-Algorithm.
var checksumAlgorithmNames = []string{"sha1", "sha256", "sha384", "sha512", "md5", "crc32"}

// parseChecksumHeader splits an Upload-Checksum header into its algorithm
// and base64 digest.
func parseChecksumHeader(header string) (algo, digest string, err error) {
	algo, digest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || algo == "" || digest == "" {
		return "", "", invalidHeader("invalid Upload-Checksum header")
	}
	if _, supported := checksumAlgorithms[algo]; !supported {
		return "", "", invalidHeader("unsupported checksum algorithm")
	}
	return algo, digest, nil
}

// verifyChecksum digests r under the named algorithm and compares the
// result against the client supplied base64 digest.
func verifyChecksum(algo, digest string, r io.Reader) error {
	newHash, ok := checksumAlgorithms[algo]
	if !ok {
		return invalidHeader("unsupported checksum algorithm")
	}

	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return err
	}

	sum := base64.StdEncoding.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sum), []byte(digest)) != 1 {
		return ErrChecksumMismatch
	}

	return nil
}
