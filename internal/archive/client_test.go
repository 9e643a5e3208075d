package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"telegram-chatbot/internal/domain"
)

type fakeS3 struct {
	putErr      error
	getOut      *s3.GetObjectOutput
	getErr      error
	listPages   []*s3.ListObjectsV2Output
	listErr     error
	listCalls   int
	lastPutIn   *s3.PutObjectInput
	lastGetIn   *s3.GetObjectInput
	lastListIn  *s3.ListObjectsV2Input
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastPutIn = in
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lastListIn = in
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := f.listPages[f.listCalls]
	f.listCalls++
	return out, nil
}

func mustClient(t *testing.T, api s3API) *Client {
	t.Helper()
	c, err := New(api, "test-bucket")
	require.NoError(t, err)
	return c
}

func testArchive() domain.Archive {
	return domain.Archive{
		UserID:    42,
		SessionID: "abc-123",
		ModelName: "tinyllama",
		Conversation: []domain.ChatRecord{
			{Role: "user", Content: "hi", TS: 100},
		},
		OriginalSK:    "MODEL#tinyllama#SESSION#abc-123",
		LastMessageTS: 100,
		ArchivedAt:    "2026-08-29T10:00:00Z",
	}
}

func TestKey(t *testing.T) {
	require.Equal(t, "archives/42/abc-123.json", Key(42, "abc-123"))
}

func TestMarshal_DefaultsVersion(t *testing.T) {
	data, err := Marshal(testArchive())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "1.0", decoded["archive_version"])
	require.Equal(t, "2026-08-29T10:00:00Z", decoded["archived_at"])
}

func TestMarshal_KeepsExplicitVersion(t *testing.T) {
	a := testArchive()
	a.Version = "2.0"
	data, err := Marshal(a)
	require.NoError(t, err)
	require.Contains(t, string(data), `"archive_version": "2.0"`)
}

func TestPutArchive_HappyPath(t *testing.T) {
	api := &fakeS3{}
	c := mustClient(t, api)

	key, err := c.PutArchive(context.Background(), testArchive())
	require.NoError(t, err)
	require.Equal(t, "archives/42/abc-123.json", key)
	require.Equal(t, "test-bucket", *api.lastPutIn.Bucket)
	require.Equal(t, key, *api.lastPutIn.Key)
	require.Equal(t, "application/json", *api.lastPutIn.ContentType)
	require.Equal(t, "42", api.lastPutIn.Metadata["user_id"])
	require.Equal(t, "tinyllama", api.lastPutIn.Metadata["model_name"])

	body, err := io.ReadAll(api.lastPutIn.Body)
	require.NoError(t, err)
	var stored domain.Archive
	require.NoError(t, json.Unmarshal(body, &stored))
	require.Equal(t, "1.0", stored.Version)
	require.Len(t, stored.Conversation, 1)
}

func TestPutArchive_MissingSessionID(t *testing.T) {
	c := mustClient(t, &fakeS3{})
	_, err := c.PutArchive(context.Background(), domain.Archive{UserID: 42})
	require.Error(t, err)
}

func TestPutArchive_S3Error(t *testing.T) {
	c := mustClient(t, &fakeS3{putErr: errors.New("AccessDenied")})
	_, err := c.PutArchive(context.Background(), testArchive())
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutArchive")
}

func TestGetArchive_HappyPath(t *testing.T) {
	data, err := Marshal(testArchive())
	require.NoError(t, err)
	api := &fakeS3{getOut: &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}}
	c := mustClient(t, api)

	a, err := c.GetArchive(context.Background(), 42, "abc-123")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, "tinyllama", a.ModelName)
	require.Equal(t, "archives/42/abc-123.json", *api.lastGetIn.Key)
}

func TestGetArchive_NoSuchKeyIsNil(t *testing.T) {
	api := &fakeS3{getErr: &s3types.NoSuchKey{}}
	c := mustClient(t, api)

	a, err := c.GetArchive(context.Background(), 42, "missing")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestGetArchive_OtherErrorPropagates(t *testing.T) {
	c := mustClient(t, &fakeS3{getErr: errors.New("timeout")})
	_, err := c.GetArchive(context.Background(), 42, "abc-123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetArchive")
}

func TestGetArchive_MalformedBody(t *testing.T) {
	api := &fakeS3{getOut: &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("not-json"))}}
	c := mustClient(t, api)
	_, err := c.GetArchive(context.Background(), 42, "abc-123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestListArchives_FollowsContinuationTokens(t *testing.T) {
	modified := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	api := &fakeS3{listPages: []*s3.ListObjectsV2Output{
		{
			Contents: []s3types.Object{
				{Key: aws.String("archives/42/one.json"), Size: aws.Int64(2048), LastModified: &modified},
			},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("page-2"),
		},
		{
			Contents: []s3types.Object{
				{Key: aws.String("archives/42/two.json"), Size: aws.Int64(512), LastModified: &modified},
			},
			IsTruncated: aws.Bool(false),
		},
	}}
	c := mustClient(t, api)

	infos, err := c.ListArchives(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, 2, api.listCalls)
	require.Equal(t, "one", infos[0].SessionID)
	require.Equal(t, int64(2048), infos[0].Size)
	require.Equal(t, "2026-08-29", infos[0].LastModified)
	require.Equal(t, "two", infos[1].SessionID)
	require.Equal(t, "archives/42/", *api.lastListIn.Prefix)
	require.Equal(t, "page-2", *api.lastListIn.ContinuationToken)
}

func TestListArchives_Empty(t *testing.T) {
	api := &fakeS3{listPages: []*s3.ListObjectsV2Output{{IsTruncated: aws.Bool(false)}}}
	c := mustClient(t, api)

	infos, err := c.ListArchives(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestListArchives_S3Error(t *testing.T) {
	c := mustClient(t, &fakeS3{listErr: errors.New("AccessDenied")})
	_, err := c.ListArchives(context.Background(), 42)
	require.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "test-bucket")
	require.Error(t, err)
	_, err = New(&fakeS3{}, " ")
	require.Error(t, err)
}
