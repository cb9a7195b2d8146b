package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectDownloader is the part of the minio client used to fetch modules.
type objectDownloader interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// Fetcher resolves module references to local files. Supported references are local paths,
// file:// URLs and s3://bucket/key objects, which are downloaded once into the cache directory.
type Fetcher struct {
	cacheDir string
	objects  objectDownloader
	log      *logger.Logger

	mu sync.Mutex
}

// NewFetcher creates a fetcher. objectStore may be nil, in which case s3:// references fail.
func NewFetcher(cacheDir string, objectStore *config.ObjectStoreConfig, log *logger.Logger) (*Fetcher, error) {
	f := &Fetcher{
		cacheDir: cacheDir,
		log:      log.WithComponent(common.ComponentDispatch),
	}

	if objectStore != nil {
		client, err := minio.New(objectStore.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(objectStore.AccessKey, objectStore.SecretKey, ""),
			Secure: objectStore.UseSSL,
			Region: objectStore.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store client: %w", err)
		}
		f.objects = client
	}

	return f, nil
}

// Fetch returns the local path of the module ref points to.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return f.fetchObject(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		return f.local(strings.TrimPrefix(ref, "file://"))
	case strings.Contains(ref, "://"):
		return "", fmt.Errorf("unsupported module reference %q", ref)
	default:
		return f.local(ref)
	}
}

func (f *Fetcher) local(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat module %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("module %s is a directory", path)
	}

	ModuleFetchedInc("local", false)

	return path, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid module reference %q: %w", ref, err)
	}

	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("module reference %q must be s3://bucket/key", ref)
	}
	if f.objects == nil {
		return "", fmt.Errorf("module %s needs an object_store configuration", ref)
	}

	path := filepath.Join(f.cacheDir, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(f.cacheDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("module key %q escapes the cache directory", key)
	}

	// one download per module even when several deployments start together
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		ModuleFetchedInc("s3", true)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create module cache directory: %w", err)
	}

	tmp := path + ".part"
	if err := f.objects.FGetObject(ctx, bucket, key, tmp, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move downloaded module into place: %w", err)
	}

	ModuleFetchedInc("s3", false)
	f.log.Infow("handler module downloaded", "ref", ref, "path", path)

	return path, nil
}
