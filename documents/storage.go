package documents

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"invoicekits/apperrors"
	"invoicekits/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Store keeps rendered documents and returns where they can be fetched.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Uploader stores documents in an S3 compatible bucket.
type Uploader struct {
	cfg    config.S3Config
	client *s3.Client
	now    func() time.Time
}

// NewUploader checks that every setting the bucket needs is present and
// builds the S3 client. Missing settings are reported together.
func NewUploader(cfg config.S3Config) (*Uploader, error) {
	required := []struct{ name, value string }{
		{"bucket", cfg.Bucket},
		{"region", cfg.Region},
		{"access key", cfg.AccessKey},
		{"secret key", cfg.SecretKey},
		{"public base url", cfg.PublicBaseURL},
	}
	missing := lo.FilterMap(required, func(setting struct{ name, value string }, _ int) (string, bool) {
		return setting.name, strings.TrimSpace(setting.value) == ""
	})
	if len(missing) > 0 {
		return nil, apperrors.Newf("s3 storage is missing %s", strings.Join(missing, ", ")).Mark(apperrors.ErrValidation)
	}

	cfg.Prefix = lo.CoalesceOrEmpty(strings.Trim(cfg.Prefix, "/"), "invoices")
	return &Uploader{cfg: cfg, client: newS3Client(cfg), now: time.Now}, nil
}

func newS3Client(cfg config.S3Config) *s3.Client {
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

func (u *Uploader) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", apperrors.New("no document data to upload").Mark(apperrors.ErrValidation)
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}

	key := u.generateKey(name, contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", apperrors.Wrap(err).WithMessagef("upload %s to s3", key).Mark(apperrors.ErrUnavailable)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (u *Uploader) generateKey(name, contentType string) string {
	now := u.now().UTC()
	base := strings.Trim(unsafeKeyChars.ReplaceAllString(name, "-"), "-")
	if base == "" {
		base = "document"
	}
	return path.Join(u.cfg.Prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()),
		base+"-"+uuid.NewString()+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(mediaType) {
	case "text/html":
		return ".html"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
