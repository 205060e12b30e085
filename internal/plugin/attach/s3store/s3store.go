// Package s3store stores message binaries in S3 (or any S3-compatible
// endpoint). Objects are keyed by conversation and file name, matching the
// layout the legacy console used in its storage bucket.
package s3store

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chirino/chat-console/internal/config"
	registryattach "github.com/chirino/chat-console/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: CHAT_CONSOLE_ATTACHMENTS_S3_BUCKET is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired))
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return &S3AttachmentStore{
		client:           client,
		presigner:        s3.NewPresignClient(client),
		bucket:           cfg.S3Bucket,
		prefix:           strings.Trim(strings.TrimSpace(cfg.S3Prefix), "/"),
		externalEndpoint: strings.TrimSpace(cfg.S3ExternalEndpoint),
		maxSize:          cfg.AttachmentMaxSize,
		urlExpiry:        cfg.AttachmentURLExpiresIn,
	}, nil
}

type S3AttachmentStore struct {
	client           *s3.Client
	presigner        *s3.PresignClient
	bucket           string
	prefix           string
	externalEndpoint string
	maxSize          int64
	urlExpiry        time.Duration
}

// s3Key returns the object key for a (conversation, fileName) pair, applying
// the prefix if set. The prefix is applied at access time and never appears
// in stored URLs' object paths beyond what S3 itself returns.
func (s *S3AttachmentStore) s3Key(conversationID, fileName string) string {
	key := "chats/" + conversationID + "/" + fileName
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

func (s *S3AttachmentStore) Upload(ctx context.Context, conversationID, fileName string, data io.Reader, contentType string) (string, error) {
	key := s.s3Key(conversationID, fileName)

	body := data
	if s.maxSize > 0 {
		// Read one byte past the limit so oversize payloads are rejected
		// rather than silently truncated.
		limited := io.LimitReader(data, s.maxSize+1)
		buf, err := io.ReadAll(limited)
		if err != nil {
			return "", &registryattach.UploadFailedError{FileName: fileName, Err: err}
		}
		if int64(len(buf)) > s.maxSize {
			return "", &registryattach.UploadFailedError{
				FileName: fileName,
				Err:      fmt.Errorf("file exceeds maximum size of %d bytes", s.maxSize),
			}
		}
		body = strings.NewReader(string(buf))
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
	})
	if err != nil {
		return "", &registryattach.UploadFailedError{FileName: fileName, Err: err}
	}

	url, err := s.downloadURL(ctx, key)
	if err != nil {
		return "", &registryattach.UploadFailedError{FileName: fileName, Err: err}
	}
	return url, nil
}

// downloadURL produces the durable fetch URL handed to presentation. With an
// external endpoint configured the URL is plain (the endpoint is expected to
// enforce access itself, e.g. a public-read CDN); otherwise it is presigned.
func (s *S3AttachmentStore) downloadURL(ctx context.Context, key string) (string, error) {
	if s.externalEndpoint != "" {
		return strings.TrimRight(s.externalEndpoint, "/") + "/" + s.bucket + "/" + key, nil
	}
	expiry := s.urlExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return req.URL, nil
}
