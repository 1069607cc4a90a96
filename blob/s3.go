package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// s3API is the slice of the S3 client the store uses
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures S3Store
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string // MinIO, R2 and other S3-compatible services
	UsePathStyle bool
	Timeout      time.Duration // per object, 0 = no limit beyond ctx
}

// S3Store reads and writes objects in one bucket. Credentials come from the default
// AWS chain (env, shared config, instance role).
type S3Store struct {
	client  s3API
	bucket  string
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewS3Store loads AWS config and creates the client
func NewS3Store(ctx context.Context, opts S3Options, log *zap.SugaredLogger) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.WithHint(errors.Validationf("s3 bucket is empty"), "set blob.bucket in am.toml")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newS3Store(client, opts.Bucket, opts.Timeout, log), nil
}

func newS3Store(client s3API, bucket string, timeout time.Duration, log *zap.SugaredLogger) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  bucket,
		timeout: timeout,
		logger:  logger.OrGlobal(log),
	}
}

func (s *S3Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// DownloadObject implements Store
func (s *S3Store) DownloadObject(ctx context.Context, key, destPath string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	return s.download(ctx, k, destPath)
}

func (s *S3Store) download(ctx context.Context, key, destPath string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	return writeFile(destPath, func(f *os.File) error {
		_, err := io.Copy(f, out.Body)
		return errors.Wrapf(err, "failed to read s3://%s/%s", s.bucket, key)
	})
}

// DownloadPrefix implements Store
func (s *S3Store) DownloadPrefix(ctx context.Context, prefix, destDir string) error {
	p, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	count := 0
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(p),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to list s3://%s/%s", s.bucket, p)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Folder placeholder objects
			if strings.HasSuffix(key, "/") {
				continue
			}
			dest, err := relativeDest(destDir, p, key)
			if err != nil {
				return err
			}
			if err := s.download(ctx, key, dest); err != nil {
				return err
			}
			count++
		}
	}

	if count == 0 {
		return errors.NewNotFoundError("no objects under s3://%s/%s", s.bucket, p)
	}
	s.logger.Debugw("Downloaded prefix",
		logger.FieldKey, p,
		logger.FieldCount, count)
	return nil
}

// PutObject implements Store
func (s *S3Store) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return errors.Wrapf(err, "failed to put s3://%s/%s", s.bucket, k)
	}
	return nil
}
