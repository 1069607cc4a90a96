package blob

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
)

// fakeS3 is an in-memory bucket that pages ListObjectsV2 two keys at a time
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(aws.ToString(in.Key))}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
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
	for i, k := range keys {
		if i == 2 {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[i-1])
			break
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3StoreDownloadPrefixPages(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "plugins-bucket", 0, nil)

	for _, k := range []string{"p/fmt/a.md", "p/fmt/b.md", "p/fmt/sub/c.md", "p/fmt/dir/", "p/other/x.md"} {
		require.NoError(t, store.PutObject(ctx, k, []byte(k), "text/markdown"))
	}
	assert.Equal(t, "text/markdown", fake.types["p/fmt/a.md"])

	dest := t.TempDir()
	require.NoError(t, store.DownloadPrefix(ctx, "p/fmt", dest))

	assert.Equal(t, "p/fmt/a.md", readFile(t, filepath.Join(dest, "a.md")))
	assert.Equal(t, "p/fmt/b.md", readFile(t, filepath.Join(dest, "b.md")))
	assert.Equal(t, "p/fmt/sub/c.md", readFile(t, filepath.Join(dest, "sub", "c.md")))
	assert.NoFileExists(t, filepath.Join(dest, "x.md"))
}

func TestS3StoreDownloadObject(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.objects["plugins/lint.zip"] = []byte("zip")
	store := newS3Store(fake, "b", 0, nil)

	dest := filepath.Join(t.TempDir(), "lint", "lint.zip")
	require.NoError(t, store.DownloadObject(ctx, "plugins/lint.zip", dest))
	assert.Equal(t, "zip", readFile(t, dest))

	err := store.DownloadObject(ctx, "plugins/missing.zip", dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://b/plugins/missing.zip")
}

func TestS3StoreEmptyPrefixIsNotFound(t *testing.T) {
	store := newS3Store(newFakeS3(), "b", 0, nil)
	err := store.DownloadPrefix(context.Background(), "nothing/", t.TempDir())
	assert.True(t, errors.IsNotFoundError(err))
}
