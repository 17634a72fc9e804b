// Package publish uploads validated entities' artifact directories to S3.
package publish

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 used for checksums, not cryptography
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/legacy-extractor/cmd/sink"
)

const (
	// multipartPartSize matches s3manager.Uploader's default part size.
	multipartPartSize = 5 * 1024 * 1024

	// DefaultMultipartThreshold is the file size above which uploads go
	// through s3manager.
	DefaultMultipartThreshold = 100 * 1024 * 1024
)

var (
	ErrS3EndpointRequired  = errors.New("S3 endpoint is required")
	ErrS3BucketRequired    = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired = errors.New("S3 secret key is required")
)

// Config is where artifacts go.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	return nil
}

// S3Publisher uploads each file of an entity directory to
// `{prefix}/{entity}/{file}`, skipping objects whose size and checksum
// already match.
type S3Publisher struct {
	client             s3iface.S3API
	uploader           s3manageriface.UploaderAPI
	bucket             string
	prefix             string
	multipartThreshold int64
	logger             *slog.Logger
}

// NewS3Publisher opens an S3 session for cfg.
func NewS3Publisher(cfg Config, logger *slog.Logger) (*S3Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return New(s3.New(sess), s3manager.NewUploader(sess), cfg.Bucket, cfg.Prefix, logger), nil
}

func New(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket, prefix string, logger *slog.Logger) *S3Publisher {
	return &S3Publisher{
		client:             client,
		uploader:           uploader,
		bucket:             bucket,
		prefix:             strings.Trim(prefix, "/"),
		multipartThreshold: DefaultMultipartThreshold,
		logger:             logger,
	}
}

// WithMultipartThreshold changes the size above which s3manager is used.
func (p *S3Publisher) WithMultipartThreshold(n int64) *S3Publisher {
	p.multipartThreshold = n
	return p
}

// ObjectKey returns the key a file of entity is stored under.
func (p *S3Publisher) ObjectKey(entity, file string) string {
	return path.Join(p.prefix, sink.SafeName(entity), file)
}

// Publish uploads every regular file in dir. Failures of individual files
// are joined; the remaining files are still attempted.
func (p *S3Publisher) Publish(ctx context.Context, entity, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		key := p.ObjectKey(entity, e.Name())
		if err := p.publishFile(ctx, filepath.Join(dir, e.Name()), key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (p *S3Publisher) publishFile(ctx context.Context, file, key string) error {
	sum, err := checksumFile(file)
	if err != nil {
		return err
	}

	exists, remoteSize, remoteETag := p.objectInfo(ctx, key)
	if exists && remoteSize == sum.size && (remoteETag == sum.md5 || remoteETag == sum.multipartETag) {
		p.logger.Debug(fmt.Sprintf("  ⏭️  Skipping s3://%s/%s: size and checksum match", p.bucket, key))
		return nil
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	p.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)", p.bucket, key, sum.size))
	contentType := ContentType(file)

	if sum.size > p.multipartThreshold {
		_, err = p.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		return err
	}

	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	return err
}

func (p *S3Publisher) objectInfo(ctx context.Context, key string) (bool, int64, string) {
	out, err := p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, 0, ""
	}
	return true, aws.Int64Value(out.ContentLength), strings.Trim(aws.StringValue(out.ETag), "\"")
}

type checksum struct {
	size          int64
	md5           string
	multipartETag string
}

// checksumFile computes the plain MD5 of file and the ETag S3 reports for
// a multipart upload of it, in one pass.
func checksumFile(file string) (checksum, error) {
	f, err := os.Open(file)
	if err != nil {
		return checksum{}, err
	}
	defer f.Close()

	whole := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
	var partSums []byte
	var sum checksum
	buf := make([]byte, multipartPartSize)
	parts := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			part := md5.Sum(buf[:n]) //nolint:gosec // MD5 used for checksums, not cryptography
			partSums = append(partSums, part[:]...)
			sum.size += int64(n)
			parts++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return checksum{}, err
		}
	}

	sum.md5 = hex.EncodeToString(whole.Sum(nil))
	if parts > 1 {
		final := md5.Sum(partSums) //nolint:gosec // MD5 used for checksums, not cryptography
		sum.multipartETag = fmt.Sprintf("%s-%d", hex.EncodeToString(final[:]), parts)
	} else {
		sum.multipartETag = sum.md5
	}
	return sum, nil
}

// ContentType guesses the MIME type of an artifact from its extensions.
func ContentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	case ".zst":
		return "application/zstd"
	case ".lz4":
		return "application/x-lz4"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
