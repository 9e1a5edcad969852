package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/digkill/TGImageBot/internal/config"
)

// Objects are never rewritten under the same key, so CDNs may cache forever.
const cacheControl = "public, max-age=31536000, immutable"

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
}

// Object is one generated image, addressed by the request that paid for it.
type Object struct {
	UserID      int64
	Token       string
	Data        []byte
	ContentType string
}

// Uploader publishes generated images to an S3-compatible bucket.
type Uploader struct {
	bucket  string
	prefix  string
	baseURL string
	client  *s3.Client
	now     func() time.Time
}

func NewUploader(cfg config.S3) (*Uploader, error) {
	var errs []error
	if cfg.Bucket == "" {
		errs = append(errs, errors.New("s3 bucket is required"))
	}
	if cfg.Region == "" {
		errs = append(errs, errors.New("s3 region is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		errs = append(errs, errors.New("s3 credentials are required"))
	}
	if cfg.PublicBaseURL == "" {
		errs = append(errs, errors.New("s3 public base url is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "generations"
	}
	return &Uploader{
		bucket:  cfg.Bucket,
		prefix:  prefix,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		client:  s3.New(options),
		now:     time.Now,
	}, nil
}

// Upload stores the image and returns its public URL. Retrying the same
// request token overwrites the same object.
func (u *Uploader) Upload(ctx context.Context, obj Object) (string, error) {
	if len(obj.Data) == 0 {
		return "", errors.New("no data to upload")
	}
	if obj.Token == "" {
		return "", errors.New("request token is required")
	}
	contentType := strings.ToLower(obj.ContentType)
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := u.ObjectKey(obj.UserID, obj.Token, contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String(cacheControl),
		ACL:           types.ObjectCannedACLPublicRead,
		Metadata: map[string]string{
			"user-id":       strconv.FormatInt(obj.UserID, 10),
			"request-token": obj.Token,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return u.baseURL + "/" + key, nil
}

// ObjectKey lays images out per user and UTC day:
// <prefix>/<user id>/<yyyy>/<mm>/<dd>/<token><ext>.
func (u *Uploader) ObjectKey(userID int64, token, contentType string) string {
	ext, ok := extensions[strings.ToLower(contentType)]
	if !ok {
		ext = ".bin"
	}
	day := u.now().UTC().Format("2006/01/02")
	return path.Join(u.prefix, strconv.FormatInt(userID, 10), day, token+ext)
}
