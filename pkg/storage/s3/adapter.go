// Package s3 provides an S3 implementation of the storage provider.
package s3

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/txn2/cost-report-runner/pkg/storage"
)

const defaultContentType = "application/octet-stream"

// Config holds S3 adapter configuration.
type Config struct {
	Region       string
	Endpoint     string
	AccessKeyID  string
	SecretKey    string
	Bucket       string
	Prefix       string
	UsePathStyle bool
}

// S3Client defines the S3 operations used by the adapter.
type S3Client interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Adapter implements storage.Provider using S3.
type Adapter struct {
	cfg    Config
	client S3Client
	now    func() time.Time
}

// New creates a new S3 adapter with an existing client.
func New(cfg Config, client S3Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}, nil
}

// NewFromConfig creates a new S3 adapter with a client built from cfg.
// Static keys are used when both are set; otherwise the default AWS
// credential chain of the server process applies.
func NewFromConfig(ctx context.Context, cfg Config) (*Adapter, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(cfg, client)
}

// Name returns the provider name.
func (*Adapter) Name() string {
	return "s3"
}

// Key returns the object key an artifact is published under.
func (a *Adapter) Key(sessionID, filePath string) string {
	return path.Join(strings.Trim(a.cfg.Prefix, "/"), sessionID, filepath.Base(filePath))
}

// Publish uploads the file at filePath to the configured bucket.
func (a *Adapter) Publish(ctx context.Context, sessionID, filePath string) (*storage.Object, error) {
	f, err := os.Open(filePath) // #nosec G304 -- path comes from the job's artifact tracker
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotPublishable, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", storage.ErrNotPublishable, filePath)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = defaultContentType
	}

	key := a.Key(sessionID, filePath)
	_, err = a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"session-id": sessionID},
	})
	if err != nil {
		return nil, fmt.Errorf("putting object: %w", err)
	}

	return &storage.Object{
		Bucket:      a.cfg.Bucket,
		Key:         key,
		Size:        info.Size(),
		ContentType: contentType,
		PublishedAt: a.now().UTC(),
	}, nil
}

// Close releases resources.
func (*Adapter) Close() error {
	return nil
}

// Verify interface compliance.
var _ storage.Provider = (*Adapter)(nil)
