package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	objects map[string][]byte
	calls   int
}

func (f *fakeDownloader) FGetObject(_ context.Context, bucket, object, filePath string, _ minio.GetObjectOptions) error {
	f.calls++

	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return errors.New("specified key does not exist")
	}

	return os.WriteFile(filePath, data, 0o644)
}

func writeModule(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestFetcher_Local(t *testing.T) {
	path := writeModule(t, "erc20.wasm", []byte{0x00, 0x61, 0x73, 0x6d})
	f, err := NewFetcher(t.TempDir(), nil, logger.NewNopLogger())
	require.NoError(t, err)

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{name: "plain path", ref: path, want: path},
		{name: "file url", ref: "file://" + path, want: path},
		{name: "missing file", ref: filepath.Join(t.TempDir(), "nope.so"), wantErr: "failed to stat"},
		{name: "directory", ref: t.TempDir(), wantErr: "is a directory"},
		{name: "unsupported scheme", ref: "ipfs://QmHash", wantErr: "unsupported module reference"},
		{name: "s3 without client", ref: "s3://modules/erc20.wasm", wantErr: "object_store"},
		{name: "s3 without key", ref: "s3://modules", wantErr: "must be s3://bucket/key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), tt.ref)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFetcher_ObjectStore(t *testing.T) {
	cacheDir := t.TempDir()
	downloader := &fakeDownloader{objects: map[string][]byte{
		"modules/v1/erc20.wasm": []byte("wasm bytes"),
	}}

	f, err := NewFetcher(cacheDir, nil, logger.NewNopLogger())
	require.NoError(t, err)
	f.objects = downloader

	ctx := context.Background()

	path, err := f.Fetch(ctx, "s3://modules/v1/erc20.wasm")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cacheDir, "modules", "v1", "erc20.wasm"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "wasm bytes", string(data))

	again, err := f.Fetch(ctx, "s3://modules/v1/erc20.wasm")
	require.NoError(t, err)
	require.Equal(t, path, again)
	require.Equal(t, 1, downloader.calls)

	_, err = f.Fetch(ctx, "s3://modules/v2/erc20.wasm")
	require.ErrorContains(t, err, "failed to download")
	_, err = os.Stat(filepath.Join(cacheDir, "modules", "v2", "erc20.wasm.part"))
	require.True(t, os.IsNotExist(err))

	_, err = f.Fetch(ctx, "s3://modules/../../etc/passwd")
	require.ErrorContains(t, err, "escapes the cache directory")
}

func TestNewFetcher_ObjectStoreClient(t *testing.T) {
	f, err := NewFetcher(t.TempDir(), &config.ObjectStoreConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, f.objects)
}

func TestSet_LazyOpen(t *testing.T) {
	opens := 0
	loader := newTestLoader(&opens)
	fetcher, err := NewFetcher(t.TempDir(), nil, logger.NewNopLogger())
	require.NoError(t, err)

	factory := NewFactory(loader, fetcher, config.SandboxConfig{}, logger.NewNopLogger())
	set := factory.NewSet()

	mapping := indexer.Mapping{Kind: indexer.MappingNative, File: writeModule(t, "erc20.so", []byte("elf"))}
	ctx := context.Background()

	require.NoError(t, set.Prepare(ctx, mapping))
	require.Equal(t, 1, opens)

	host := newMemHost()
	require.NoError(t, set.Dispatch(ctx, mapping, eventTrigger("handleTransfer"), host))
	require.NoError(t, set.Dispatch(ctx, mapping, eventTrigger("handleTransfer"), host))
	require.Equal(t, 1, opens)
	require.Equal(t, 1, loader.Loaded())

	missing := indexer.Mapping{Kind: indexer.MappingWasm, File: filepath.Join(t.TempDir(), "missing.wasm")}
	err = set.Prepare(ctx, missing)
	require.ErrorContains(t, err, "failed to load mapping")

	unknownKind := indexer.Mapping{Kind: "lua", File: mapping.File}
	require.ErrorContains(t, set.Prepare(ctx, unknownKind), "unsupported mapping kind")

	require.NoError(t, set.Close())
	require.Equal(t, 0, loader.Loaded())
}

func TestSet_Wasm(t *testing.T) {
	fetcher, err := NewFetcher(t.TempDir(), nil, logger.NewNopLogger())
	require.NoError(t, err)

	factory := NewFactory(NewLoader(logger.NewNopLogger()), fetcher, config.SandboxConfig{}, logger.NewNopLogger())
	set := factory.NewSet()
	defer set.Close()

	mapping := indexer.Mapping{
		Kind: indexer.MappingWasm,
		File: writeModule(t, "counter.wasm", compileWat(t, counterModule)),
	}

	host := newMemHost()
	require.NoError(t, set.Dispatch(context.Background(), mapping, wasmTrigger("save_counter"), host))
	_, ok := host.entity("Counter", "c1")
	require.True(t, ok)
}
