package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"molrender/internal/config"
	"molrender/internal/models"
)

// artifactUploader pushes a finished render to its destination.
type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// uploaderPair holds the always-present local destination and the optional S3
// destination.
type uploaderPair struct {
	s3 artifactUploader
}

func newUploaderPair(ctx context.Context, cfg config.Config) (*uploaderPair, error) {
	pair := &uploaderPair{}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pair.s3 = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}
	return pair, nil
}

// uploadArtifact copies the artifact to S3 when configured. Local files stay
// in place either way; S3 is an additional destination, not a move.
func (u *uploaderPair) uploadArtifact(ctx context.Context, job models.RenderingJob, outPath string) (string, error) {
	if u.s3 == nil {
		return "", errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	}
	body, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	key := fmt.Sprintf("renders/%s/%s", job.SessionID, filepath.Base(outPath))
	contentType := mime.TypeByExtension(filepath.Ext(outPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return u.s3.Upload(ctx, key, body, contentType)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
