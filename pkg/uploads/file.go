package uploads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend is the development backend: signed URLs point back at the
// service itself, which accepts the PUT and writes the bytes to local disk.
// Not for production use.
type FileBackend struct {
	root    string
	baseURL string // external base URL of the service, no trailing slash
}

// DevUploadPathPrefix is the route prefix the API server mounts HandlePut on.
const DevUploadPathPrefix = "/uploads/dev/"

// NewFileBackend creates a local-disk upload backend rooted at root.
func NewFileBackend(root, baseURL string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root %q: %w", root, err)
	}
	return &FileBackend{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (f *FileBackend) SignUpload(ctx context.Context, req SignRequest) (*SignedUpload, error) {
	key := req.Key()
	return &SignedUpload{
		Method:     http.MethodPut,
		URL:        f.baseURL + DevUploadPathPrefix + key,
		ExpiresIn:  signTTL,
		StorageKey: key,
	}, nil
}

func (f *FileBackend) VerifyUpload(ctx context.Context, storageKey string, expectedBytes int64) (*VerifyResult, error) {
	path, err := f.diskPath(storageKey)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyResult{Status: VerifyPending, Reason: "object not found"}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", storageKey, err)
	}
	if expectedBytes > 0 && info.Size() != expectedBytes {
		return &VerifyResult{
			Status:    VerifyFailed,
			SizeBytes: info.Size(),
			Reason:    fmt.Sprintf("size mismatch: got %d bytes, declared %d", info.Size(), expectedBytes),
		}, nil
	}
	return &VerifyResult{Status: VerifyCompleted, SizeBytes: info.Size()}, nil
}

// HandlePut accepts the client's upload. The API server strips
// DevUploadPathPrefix and passes the remainder as the storage key.
func (f *FileBackend) HandlePut(w http.ResponseWriter, r *http.Request, storageKey string) {
	path, err := f.diskPath(storageKey)
	if err != nil {
		http.Error(w, "invalid upload key", http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	dst, err := os.Create(path)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	defer func() { _ = dst.Close() }()
	if _, err := io.Copy(dst, r.Body); err != nil {
		_ = os.Remove(path)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// diskPath maps a storage key onto the root, refusing traversal.
func (f *FileBackend) diskPath(storageKey string) (string, error) {
	clean := filepath.Clean("/" + storageKey)
	if strings.Contains(storageKey, "..") {
		return "", fmt.Errorf("invalid storage key %q", storageKey)
	}
	return filepath.Join(f.root, clean), nil
}
