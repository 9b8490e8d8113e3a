package conda

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Public dataset location.
const (
	DefaultBucket = "anaconda-package-data"
	DefaultRegion = "us-east-1"
)

// ErrNoObject is returned by Bucket.Get for a missing key.
var ErrNoObject = errors.New("object does not exist")

// Bucket is the read-only object store holding the hourly partitions.
type Bucket interface {
	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns the object bytes, or ErrNoObject.
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Bucket reads a public S3 bucket without credentials.
type S3Bucket struct {
	client *s3.Client
	name   string
}

var _ Bucket = (*S3Bucket)(nil)

// NewS3Bucket creates an anonymous client for bucket. A non-empty endpoint
// targets an S3-compatible server with path-style addressing.
func NewS3Bucket(ctx context.Context, bucket, region, endpoint string) (*S3Bucket, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if region == "" {
		region = DefaultRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Bucket{client: client, name: bucket}, nil
}

// List implements Bucket.
func (b *S3Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", b.name, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Get implements Bucket.
func (b *S3Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, ErrNoObject
	}
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", b.name, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", b.name, key, err)
	}
	return data, nil
}
