package artifacts_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
	"github.com/fluxprotocol/oraclevm/pkg/wasm"
	"github.com/fluxprotocol/oraclevm/pkg/wasm/wasmtest"
)

const zeroDigest = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

func module(abi string) []byte {
	b := wasmtest.New()
	run := b.Func(nil, nil, nil, wasmtest.End)
	b.Export("_start", run)
	if abi != "" {
		b.Custom(wasm.ABISection, []byte(abi))
	}
	return b.Build()
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "modules"))
	require.NoError(t, err)

	data := module("")
	digest, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, artifacts.DigestOf(data), digest)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, digest))
	ok, err = store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.Delete(ctx, digest))

	_, err = store.Get(ctx, digest)
	assert.True(t, errors.Is(err, artifacts.ErrNotFound))
}

func TestFileStore_InvalidDigest(t *testing.T) {
	ctx := context.Background()
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, d := range []string{"invalid", "sha256:abc", "md5:" + strings.Repeat("0", 64), "sha256:" + strings.Repeat("z", 64), "sha256:../" + strings.Repeat("0", 61)} {
		_, err := store.Get(ctx, d)
		assert.True(t, errors.Is(err, artifacts.ErrInvalidDigest), d)
		_, err = store.Exists(ctx, d)
		assert.True(t, errors.Is(err, artifacts.ErrInvalidDigest), d)
		assert.True(t, errors.Is(store.Delete(ctx, d), artifacts.ErrInvalidDigest), d)
	}
}

func TestFileStore_TooLarge(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), make([]byte, artifacts.MaxModuleSize+1))
	assert.True(t, errors.Is(err, artifacts.ErrTooLarge))
}

func TestRegistry_PublishAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	reg := artifacts.NewRegistry(store)

	data := module("1.0.0")
	info, err := reg.Publish(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, artifacts.DigestOf(data), info.Digest)
	assert.Equal(t, len(data), info.Size)
	assert.Equal(t, "1.0.0", info.ABIVersion)
	assert.Equal(t, []string{"_start"}, info.Exports)

	got, err := reg.Load(ctx, info.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = reg.Load(ctx, zeroDigest)
	assert.True(t, errors.Is(err, artifacts.ErrNotFound))
}

func TestRegistry_RejectsGarbage(t *testing.T) {
	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = artifacts.NewRegistry(store).Publish(context.Background(), []byte("not wasm"))
	assert.True(t, errors.Is(err, artifacts.ErrInvalidModule))
	assert.True(t, errors.Is(err, wasm.ErrMalformed))
}

func TestRegistry_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)
	reg := artifacts.NewRegistry(store)

	info, err := reg.Publish(ctx, module(""))
	require.NoError(t, err)

	path := filepath.Join(dir, strings.TrimPrefix(info.Digest, "sha256:")+".wasm")
	require.NoError(t, os.WriteFile(path, module("9.9.9"), 0o644))

	_, err = reg.Load(ctx, info.Digest)
	assert.True(t, errors.Is(err, artifacts.ErrCorrupt))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	store := artifacts.NewS3StoreFromClient(fake, "modules", "oracle/")

	data := module("")
	digest, err := store.Put(ctx, data)
	require.NoError(t, err)
	_, err = store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, fake.objects, "oracle/"+strings.TrimPrefix(digest, "sha256:")+".wasm")

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, digest))
	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, digest)
	assert.True(t, errors.Is(err, artifacts.ErrNotFound))
	_, err = store.Get(ctx, "nope")
	assert.True(t, errors.Is(err, artifacts.ErrInvalidDigest))
}
