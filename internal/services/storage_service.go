// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/digimarket-backend/internal/config"
)

// Metadata keys understood by every ObjectStore.
const (
	MetaContentMD5 = "content-md5"
	MetaSHA256     = "sha256"
)

// ObjectStore persists asset bytes under opaque keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// NewObjectStore builds the configured store wrapped with put retries.
// Without AWS credentials files are written to the local upload directory.
func NewObjectStore(cfg *config.Config) (ObjectStore, error) {
	var inner ObjectStore
	if cfg.AWS.AccessKeyID == "" {
		local, err := NewLocalStore(cfg.AWS.UploadDir, cfg.AWS.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		inner = local
	} else {
		client, err := NewS3Client(cfg.AWS)
		if err != nil {
			return nil, err
		}
		inner = NewS3Store(client, cfg.AWS)
	}

	return NewRetryingStore(inner, cfg.Storage.RetryAttempts, cfg.Storage.RetryBaseDelay), nil
}

func NewS3Client(cfg config.AWSConfig) (*s3.S3, error) {
	// Create AWS session
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return s3.New(sess), nil
}

type S3Store struct {
	client         s3iface.S3API
	bucket         string
	region         string
	cloudFrontURL  string
	encryption     string
	inlinePrefixes []string
}

func NewS3Store(client s3iface.S3API, cfg config.AWSConfig) *S3Store {
	return &S3Store{
		client:         client,
		bucket:         cfg.S3Bucket,
		region:         cfg.Region,
		cloudFrontURL:  strings.TrimRight(cfg.CloudFrontURL, "/"),
		encryption:     cfg.ServerSideEncryption,
		inlinePrefixes: cfg.InlinePrefixes,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	params := &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(body),
		ContentType:        aws.String(contentType),
		ContentLength:      aws.Int64(int64(len(body))),
		ContentDisposition: aws.String(s.disposition(contentType)),
	}

	if s.encryption != "" {
		params.ServerSideEncryption = aws.String(s.encryption)
	}

	userMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == MetaContentMD5 {
			params.ContentMD5 = aws.String(v)
			continue
		}
		userMeta[k] = v
	}
	if len(userMeta) > 0 {
		params.Metadata = aws.StringMap(userMeta)
	}

	if _, err := s.client.PutObjectWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (s *S3Store) disposition(contentType string) string {
	for _, prefix := range s.inlinePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return "inline"
		}
	}
	return "attachment"
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

func (s *S3Store) PublicURL(key string) string {
	if s.cloudFrontURL != "" {
		return fmt.Sprintf("%s/%s", s.cloudFrontURL, key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)

	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url, nil
}

// LocalStore writes objects below a directory served at /uploads.
type LocalStore struct {
	root    string
	baseURL string
}

func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *LocalStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/uploads/%s", s.baseURL, key)
}

// PresignGet has no signing to do locally.
func (s *LocalStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.PublicURL(key), nil
}

// RetryingStore retries Put with exponential backoff: attempt n waits
// baseDelay*2^n before the next try. Other operations pass through.
type RetryingStore struct {
	ObjectStore
	attempts  int
	baseDelay time.Duration
}

func NewRetryingStore(inner ObjectStore, attempts int, baseDelay time.Duration) *RetryingStore {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingStore{
		ObjectStore: inner,
		attempts:    attempts,
		baseDelay:   baseDelay,
	}
}

func (s *RetryingStore) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.baseDelay << uint(s.attempts)
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.attempts-1)), ctx)
}

// Put returns the last underlying error once all attempts are used.
func (s *RetryingStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := s.ObjectStore.Put(ctx, key, body, contentType, metadata)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt,
				"of":      s.attempts,
			}).Warn("Object store put failed")
		}
		return err
	}

	return backoff.Retry(operation, s.newBackOff(ctx))
}
