// Package archive provides typed access to the blob store holding cold
// session exports. Content under a key is immutable by convention: re-writing
// the same session id replaces the object rather than appending.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"telegram-chatbot/internal/domain"
)

const (
	keyPrefix      = "archives"
	archiveVersion = "1.0"
	contentType    = "application/json"
)

// s3API is the minimal S3 interface required by Client.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client wraps an S3 bucket for archived sessions.
type Client struct {
	api    s3API
	bucket string
}

// New creates a new archive Client.
func New(api s3API, bucket string) (*Client, error) {
	if api == nil {
		return nil, errors.New("archive: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive: bucket must not be empty")
	}
	return &Client{api: api, bucket: bucket}, nil
}

// Key returns the object key for an archived session:
// archives/{user_id}/{session_id}.json
func Key(userID int64, sessionID string) string {
	return path.Join(keyPrefix, strconv.FormatInt(userID, 10), sessionID+".json")
}

// Marshal serializes an archive the way it is stored and exported.
func Marshal(a domain.Archive) ([]byte, error) {
	if a.Version == "" {
		a.Version = archiveVersion
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: marshal: %w", err)
	}
	return data, nil
}

// PutArchive writes the archive object and returns its key. Writing the same
// session id twice overwrites the earlier object.
func (c *Client) PutArchive(ctx context.Context, a domain.Archive) (string, error) {
	if a.SessionID == "" {
		return "", errors.New("archive: PutArchive: session id is required")
	}
	body, err := Marshal(a)
	if err != nil {
		return "", err
	}
	key := Key(a.UserID, a.SessionID)
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(body)),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"user_id":    strconv.FormatInt(a.UserID, 10),
			"session_id": a.SessionID,
			"model_name": a.ModelName,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: PutArchive: %w", err)
	}
	return key, nil
}

// GetArchive reads one archive object; nil without error when absent.
func (c *Client) GetArchive(ctx context.Context, userID int64, sessionID string) (*domain.Archive, error) {
	key := Key(userID, sessionID)
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: GetArchive: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(out.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("archive: GetArchive read body: %w", err)
	}
	var a domain.Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("archive: GetArchive decode: %w", err)
	}
	return &a, nil
}

// ListArchives enumerates a user's archive objects, following continuation
// tokens until the listing is exhausted.
func (c *Client) ListArchives(ctx context.Context, userID int64) ([]domain.ArchiveInfo, error) {
	prefix := keyPrefix + "/" + strconv.FormatInt(userID, 10) + "/"

	var infos []domain.ArchiveInfo
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: ListArchives: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			info := domain.ArchiveInfo{
				SessionID: strings.TrimSuffix(path.Base(*obj.Key), ".json"),
				Key:       *obj.Key,
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.UTC().Format("2006-01-02")
			}
			infos = append(infos, info)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return infos, nil
}
