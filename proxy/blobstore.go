package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// BlobStore is the content-addressed on-disk store for client-uploaded
// binary artifacts, keyed by their SHA-256 digest.
type BlobStore struct {
	dir string
}

func NewBlobStore(stateDir string) *BlobStore {
	return &BlobStore{dir: filepath.Join(stateDir, "blobs", "sha256")}
}

// parseDigest validates a "sha256:<64 hex>" digest without touching the
// file system, the pre-I/O rejection SPEC_FULL §4.9 requires.
func parseDigest(digest string) (hexDigest string, perr *ProxyError) {
	if !digestPattern.MatchString(digest) {
		return "", BadRequestf("invalid digest %q: must be sha256:<64 lowercase hex chars>", digest)
	}
	return digest[len("sha256:"):], nil
}

func (s *BlobStore) pathFor(hexDigest string) string {
	return filepath.Join(s.dir, hexDigest)
}

// Exists does a single stat call for the blob named by digest.
func (s *BlobStore) Exists(digest string) (bool, *ProxyError) {
	hexDigest, perr := parseDigest(digest)
	if perr != nil {
		return false, perr
	}
	_, err := os.Stat(s.pathFor(hexDigest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, Internalf("stat blob: %v", err)
}

// Store writes r to the blob store under digest, computing SHA-256
// incrementally and rejecting the upload if the computed digest doesn't
// match what was declared. On mismatch the partial file is removed and no
// blob becomes visible.
func (s *BlobStore) Store(digest string, r io.Reader) *ProxyError {
	hexDigest, perr := parseDigest(digest)
	if perr != nil {
		return perr
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Internalf("creating blob directory: %v", err)
	}

	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".tmp-%d-%s", os.Getpid(), uuid.NewString()))
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return Internalf("creating temp blob file: %v", err)
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	if _, err := io.Copy(tmpFile, io.TeeReader(r, hasher)); err != nil {
		cleanup()
		return Internalf("writing blob: %v", err)
	}
	if err := tmpFile.Sync(); err != nil {
		cleanup()
		return Internalf("syncing blob: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return Internalf("closing blob: %v", err)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != hexDigest {
		os.Remove(tmpPath)
		return BadRequestf("digest mismatch: expected sha256:%s, got sha256:%s", hexDigest, computed)
	}

	if err := os.Rename(tmpPath, s.pathFor(hexDigest)); err != nil {
		os.Remove(tmpPath)
		return Internalf("finalizing blob: %v", err)
	}
	return nil
}
