// Package s3 provides a core.ArtifactStore backed by an S3 compatible
// bucket. Objects are stored under <prefix>/<scope>/<artifact id>.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/starmesh/artifact"
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configure the store and, for New, the AWS client.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string

	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Store implements core.ArtifactStore on top of S3.
type Store struct {
	client API
	bucket string
	prefix string
}

// New loads the default AWS configuration (overridden by the explicit
// options) and creates a store for bucket.
func New(ctx context.Context, bucket string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Region: "us-east-1"}
	for _, fn := range optFns {
		fn(&opts)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}

		o.UsePathStyle = opts.ForcePathStyle
	})

	return &Store{client: client, bucket: bucket, prefix: opts.Prefix}, nil
}

// NewFromClient creates a store from an existing client.
func NewFromClient(client API, bucket string, optFns ...func(o *Options)) *Store {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{client: client, bucket: bucket, prefix: opts.Prefix}
}

func (s *Store) key(scope, artifactID string) string {
	return path.Join(s.prefix, scope, artifactID)
}

func (s *Store) scopePrefix(scope string) string {
	return path.Join(s.prefix, scope) + "/"
}

// Save implements core.ArtifactStore.
func (s *Store) Save(ctx context.Context, scope, artifactID string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(scope, artifactID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put artifact %s/%s: %w", scope, artifactID, err)
	}

	return nil
}

// Get implements core.ArtifactStore. Missing objects yield artifact.ErrNotFound.
func (s *Store) Get(ctx context.Context, scope, artifactID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(scope, artifactID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", scope, artifactID, artifact.ErrNotFound)
		}

		return nil, fmt.Errorf("get artifact %s/%s: %w", scope, artifactID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", scope, artifactID, err)
	}

	return data, nil
}

// List implements core.ArtifactStore. Ids are returned sorted.
func (s *Store) List(ctx context.Context, scope string) ([]string, error) {
	prefix := s.scopePrefix(scope)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var ids []string

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list artifacts %s: %w", scope, err)
		}

		for _, obj := range page.Contents {
			ids = append(ids, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// Delete implements core.ArtifactStore. S3 deletes are idempotent, so the
// object is checked first to report artifact.ErrNotFound consistently.
func (s *Store) Delete(ctx context.Context, scope, artifactID string) error {
	key := aws.String(s.key(scope, artifactID))

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s/%s: %w", scope, artifactID, artifact.ErrNotFound)
		}

		return fmt.Errorf("head artifact %s/%s: %w", scope, artifactID, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		return fmt.Errorf("delete artifact %s/%s: %w", scope, artifactID, err)
	}

	return nil
}

func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
	)

	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
