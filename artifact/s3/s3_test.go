package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
)

var _ core.ArtifactStore = (*Store)(nil)

// fakeS3 keeps objects in a map and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFake() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[aws.ToString(in.Key)] = data

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(in.Key))

	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string

	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}

	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}

	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}

	return out, nil
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	store := NewFromClient(fake, "bucket", func(o *Options) { o.Prefix = "artifacts" })

	require.NoError(t, store.Save(ctx, "run-1", "report.txt", []byte("numbers")))
	assert.Contains(t, fake.objects, "artifacts/run-1/report.txt")

	data, err := store.Get(ctx, "run-1", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "numbers", string(data))

	_, err = store.Get(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStoreListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewFromClient(newFake(), "bucket")

	for _, id := range []string{"e", "c", "a", "d", "b"} {
		require.NoError(t, store.Save(ctx, "s", id, []byte(id)))
	}

	require.NoError(t, store.Save(ctx, "other", "z", []byte("z")))

	ids, err := store.List(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewFromClient(newFake(), "bucket")

	require.NoError(t, store.Save(ctx, "s", "a", []byte("1")))
	require.NoError(t, store.Delete(ctx, "s", "a"))
	assert.ErrorIs(t, store.Delete(ctx, "s", "a"), core.ErrNotFound)
}
