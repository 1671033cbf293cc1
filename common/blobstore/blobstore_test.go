package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_RoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	uid := "ab12cd_4"
	require.NoError(t, s.Put(ctx, uid, []byte("data")))
	assert.FileExists(t, s.Path(uid))
	assert.Contains(t, s.Path(uid), "/ab/")

	data, err := s.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	exists, err := s.Exists(ctx, uid)
	require.NoError(t, err)
	assert.True(t, exists)

	uids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{uid}, uids)

	require.NoError(t, s.Delete(ctx, uid))
	_, err = s.Get(ctx, uid)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, uid))
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Put(context.Background(), "../escape", []byte("x")))
	assert.Error(t, s.Put(context.Background(), "", []byte("x")))
}

// fakeS3 is an in-memory S3API
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	s := NewS3Store(newFakeS3(), "fact")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "uid_1", []byte("a")))
	require.NoError(t, s.Put(ctx, "uid_2", []byte("b")))

	data, err := s.Get(ctx, "uid_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	uids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid_1", "uid_2"}, uids)

	require.NoError(t, s.Delete(ctx, "uid_1"))
	exists, err := s.Exists(ctx, "uid_1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, "uid_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
