package s3

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/cost-report-runner/pkg/storage"
)

type fakeClient struct {
	input *awss3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeClient) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &awss3.PutObjectOutput{}, nil
}

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestNew(t *testing.T) {
	_, err := New(Config{Bucket: "b"}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, &fakeClient{})
	assert.Error(t, err)

	a, err := New(Config{Bucket: "b"}, &fakeClient{})
	require.NoError(t, err)
	assert.Equal(t, "s3", a.Name())
	assert.NoError(t, a.Close())
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "sess-1/report.xlsx"},
		{"reports", "reports/sess-1/report.xlsx"},
		{"/reports/", "reports/sess-1/report.xlsx"},
	}
	for _, tt := range tests {
		a, err := New(Config{Bucket: "b", Prefix: tt.prefix}, &fakeClient{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Key("sess-1", "/tmp/out/report.xlsx"), "prefix %q", tt.prefix)
	}
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	a, err := New(Config{Bucket: "cost-reports", Prefix: "runs"}, client)
	require.NoError(t, err)

	p := writeArtifact(t, "report.xlsx", "workbook")
	obj, err := a.Publish(context.Background(), "sess-1", p)
	require.NoError(t, err)

	assert.Equal(t, "cost-reports", obj.Bucket)
	assert.Equal(t, "runs/sess-1/report.xlsx", obj.Key)
	assert.Equal(t, int64(8), obj.Size)
	assert.Equal(t, "s3://cost-reports/runs/sess-1/report.xlsx", obj.URI())
	assert.False(t, obj.PublishedAt.IsZero())

	require.NotNil(t, client.input)
	assert.Equal(t, "cost-reports", aws.ToString(client.input.Bucket))
	assert.Equal(t, int64(8), aws.ToInt64(client.input.ContentLength))
	assert.Equal(t, "sess-1", client.input.Metadata["session-id"])
	assert.NotEmpty(t, aws.ToString(client.input.ContentType))
	assert.Equal(t, "workbook", string(client.body))
}

func TestPublish_UnknownExtension(t *testing.T) {
	client := &fakeClient{}
	a, err := New(Config{Bucket: "b"}, client)
	require.NoError(t, err)

	p := writeArtifact(t, "report.zzunknown", "x")
	obj, err := a.Publish(context.Background(), "s", p)
	require.NoError(t, err)
	assert.Equal(t, defaultContentType, obj.ContentType)
}

func TestPublish_Errors(t *testing.T) {
	a, err := New(Config{Bucket: "b"}, &fakeClient{})
	require.NoError(t, err)

	_, err = a.Publish(context.Background(), "s", filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.ErrorIs(t, err, storage.ErrNotPublishable)

	_, err = a.Publish(context.Background(), "s", t.TempDir())
	assert.ErrorIs(t, err, storage.ErrNotPublishable)

	failing, err := New(Config{Bucket: "b"}, &fakeClient{err: errors.New("access denied")})
	require.NoError(t, err)
	_, err = failing.Publish(context.Background(), "s", writeArtifact(t, "r.xlsx", "x"))
	assert.ErrorContains(t, err, "access denied")
}
