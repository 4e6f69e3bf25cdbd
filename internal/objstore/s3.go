package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend implements Backend against an S3-compatible endpoint (AWS S3,
// or any store speaking the same API, reached via a custom endpoint URL).
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Backend constructs a backend bound to bucket using an already
// configured *s3.Client (endpoint, region, and credentials are resolved by
// the caller via aws-sdk-go-v2's config loaders — internal/config wires
// this from the endpoint/bucket/credential triple in spec §6).
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("objstore: s3 put %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if length >= 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	} else if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) List(ctx context.Context, prefix, delimiter string) ([]ObjectInfo, []string, error) {
	var objects []ObjectInfo
	var commonPrefixes []string

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("objstore: s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
		for _, cp := range page.CommonPrefixes {
			commonPrefixes = append(commonPrefixes, strings.TrimSuffix(aws.ToString(cp.Prefix), delimiter))
		}
	}
	return objects, commonPrefixes, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return fmt.Errorf("objstore: s3 delete %s: %w", key, err)
	}
	return nil
}
