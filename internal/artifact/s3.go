package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/subflowhq/subflow/internal/config"
)

// s3DeleteBatchSize is the S3 DeleteObjects per-request limit.
const s3DeleteBatchSize = 1000

// S3Store is an S3-compatible artifact store.
// Keys map to projects/{pid}/{stage}/{name} inside one bucket.
type S3Store struct {
	client *s3.Client
	bucket string

	ensureOnce sync.Once
	ensureErr  error
}

// NewS3Store creates an artifact store over an S3-compatible endpoint.
// The bucket is created lazily on first write.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// key returns the object key for an artifact.
func (s *S3Store) key(projectID, stage, name string) string {
	return "projects/" + projectID + "/" + sanitizeComponent(stage) + "/" + sanitizeComponent(name)
}

// ensureBucket creates the bucket if it does not exist. Runs once per store.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		if err == nil {
			return
		}
		_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			var exists *types.BucketAlreadyExists
			if errors.As(err, &owned) || errors.As(err, &exists) {
				return
			}
			s.ensureErr = fmt.Errorf("creating bucket %s: %w", s.bucket, err)
		}
	})
	return s.ensureErr
}

// Save writes an artifact object.
func (s *S3Store) Save(ctx context.Context, projectID, stage, name string, data []byte) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	key := s.key(projectID, stage, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("putting artifact %s: %w", key, err)
	}
	return key, nil
}

// Load reads an artifact object, returning ErrNotFound if absent.
func (s *S3Store) Load(ctx context.Context, projectID, stage, name string) ([]byte, error) {
	key := s.key(projectID, stage, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting artifact %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", key, err)
	}
	return data, nil
}

// listKeys pages through list_objects_v2 under a prefix.
func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var noBucket *types.NoSuchBucket
			if errors.As(err, &noBucket) {
				return nil, nil
			}
			return nil, fmt.Errorf("listing artifacts under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// List returns identifiers under a project, optionally restricted to a stage.
func (s *S3Store) List(ctx context.Context, projectID, stage string) ([]string, error) {
	prefix := "projects/" + projectID + "/"
	if stage != "" {
		prefix += sanitizeComponent(stage) + "/"
	}
	return s.listKeys(ctx, prefix)
}

// ListProjectIDs returns every project id present in the store.
func (s *S3Store) ListProjectIDs(ctx context.Context) ([]string, error) {
	keys, err := s.listKeys(ctx, "projects/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "projects/")
		pid, _, ok := strings.Cut(rest, "/")
		if ok && pid != "" && !seen[pid] {
			seen[pid] = true
			ids = append(ids, pid)
		}
	}
	return ids, nil
}

// DeleteProject removes all artifacts for a project in batches of up to 1000.
func (s *S3Store) DeleteProject(ctx context.Context, projectID string) (int, error) {
	keys, err := s.listKeys(ctx, "projects/"+projectID+"/")
	if err != nil {
		return 0, err
	}
	deleted := 0
	for start := 0; start < len(keys); start += s3DeleteBatchSize {
		end := min(start+s3DeleteBatchSize, len(keys))
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting artifact batch: %w", err)
		}
		deleted += end - start
	}
	return deleted, nil
}
