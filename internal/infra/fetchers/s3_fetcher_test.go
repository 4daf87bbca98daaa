package fetchers

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/pkg/logger"
)

// fakeS3 serves objects from a map, one key per listing page.
type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == aws.ToString(in.ContinuationToken) {
				start = i
			}
		}
	}

	out := &s3.ListObjectsV2Output{}
	if start < len(keys) {
		k := keys[start]
		out.Contents = []types.Object{{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))}}
	}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[start+1])
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body := f.objects[aws.ToString(in.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

func TestS3Fetcher_FetchInto(t *testing.T) {
	client := &fakeS3{objects: map[string]string{
		"models/field-a/deck.rsa":       "RSA",
		"models/field-a/wells/w1.gap":   "GAP-1",
		"models/field-a/notes.txt":      "skip me",
		"models/field-a/empty/":         "",
		"models/field-b/deck.rsa":       "other field",
		"models/field-a/huge/model.rsa": strings.Repeat("x", 64),
	}}
	cfg := S3Config{
		Bucket:  "artifacts",
		Options: FetchOptions{Extensions: []string{".rsa", ".gap"}, MaxFileSize: 32},
	}
	f := newS3Fetcher(cfg, client, logger.NewNop())
	dir := t.TempDir()

	files, err := f.FetchInto(context.Background(), "models/field-a", dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"deck.rsa", filepath.Join("wells", "w1.gap")}, files)

	data, err := os.ReadFile(filepath.Join(dir, "wells", "w1.gap"))
	require.NoError(t, err)
	assert.Equal(t, "GAP-1", string(data))

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestS3Fetcher_TotalSizeLimit(t *testing.T) {
	client := &fakeS3{objects: map[string]string{
		"m/a.rsa": "12345",
		"m/b.rsa": "12345",
	}}
	f := newS3Fetcher(S3Config{Bucket: "b", Options: FetchOptions{MaxTotalSize: 8}}, client, logger.NewNop())

	files, err := f.FetchInto(context.Background(), "m/", t.TempDir())
	assert.ErrorIs(t, err, ErrSizeLimit)
	assert.Len(t, files, 1)
}

func TestSanitizeObjectPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "plain", path: "deck.rsa", want: "deck.rsa"},
		{name: "nested", path: "wells/w1.gap", want: "wells/w1.gap"},
		{name: "dot segments", path: "wells/../deck.rsa", want: "deck.rsa"},
		{name: "escape", path: "../etc/passwd", wantErr: true},
		{name: "absolute", path: "/etc/passwd", wantErr: true},
		{name: "backslash", path: `..\x`, wantErr: true},
		{name: "too long", path: strings.Repeat("a", maxPathLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizeObjectPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesExtension(t *testing.T) {
	assert.True(t, matchesExtension("a.RSA", []string{".rsa"}))
	assert.False(t, matchesExtension("a.txt", []string{".rsa"}))
	assert.True(t, matchesExtension("a.txt", nil))
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "models/a/", normalizePrefix("/models/a"))
	assert.Equal(t, "models/a/", normalizePrefix("models/a/"))
	assert.Equal(t, "", normalizePrefix(""))
}
