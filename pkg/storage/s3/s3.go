// Package s3 provides a storage.Uploader backed by any S3-compatible object
// store (AWS S3, Aliyun OSS, MinIO) via aws-sdk-go-v2.
//
// Objects are written with PutObject and addressed publicly as
// <PublicBaseURL>/<key>. The bucket must grant public read, or PublicBaseURL
// must point at a CDN in front of it.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/voxtalk/pkg/storage"
)

// Compile-time interface assertion.
var _ storage.Uploader = (*Uploader)(nil)

// Config holds the connection settings.
type Config struct {
	// Endpoint is the service URL, e.g. "https://oss-cn-shanghai.aliyuncs.com".
	// Empty uses the AWS default for Region.
	Endpoint string

	Region          string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string

	// PublicBaseURL prefixes object keys in returned URLs. Defaults to
	// Endpoint/Bucket in path style, or https://Bucket.<endpoint host> otherwise.
	PublicBaseURL string

	// UsePathStyle addresses the bucket as a path segment instead of a
	// subdomain. Required by MinIO and most test fakes.
	UsePathStyle bool
}

// Validate reports every missing required field.
func (c Config) Validate() error {
	var errs []error
	if c.Bucket == "" {
		errs = append(errs, errors.New("s3: bucket must not be empty"))
	}
	if c.AccessKeyID == "" || c.AccessKeySecret == "" {
		errs = append(errs, errors.New("s3: access key id and secret must not be empty"))
	}
	if c.Region == "" && c.Endpoint == "" {
		errs = append(errs, errors.New("s3: region or endpoint must be set"))
	}
	return errors.Join(errs...)
}

// Uploader implements storage.Uploader on an S3 bucket.
type Uploader struct {
	client  *awss3.Client
	bucket  string
	baseURL string
}

// New creates an Uploader from cfg.
func New(cfg Config) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client := awss3.New(awss3.Options{
		Region:                     region,
		Credentials:                credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		UsePathStyle:               cfg.UsePathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		}
	})

	return &Uploader{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: publicBase(cfg, region),
	}, nil
}

func publicBase(cfg Config, region string) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", region)
	}
	if cfg.UsePathStyle {
		return endpoint + "/" + cfg.Bucket
	}
	scheme, host, ok := strings.Cut(endpoint, "://")
	if !ok {
		return endpoint + "/" + cfg.Bucket
	}
	return scheme + "://" + cfg.Bucket + "." + host
}

// BaseURL returns the prefix of every URL this uploader issues.
func (u *Uploader) BaseURL() string { return u.baseURL }

// Upload implements storage.Uploader.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	in := &awss3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := u.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3: put %q: %w", key, err)
	}
	return u.baseURL + "/" + key, nil
}

// Delete implements storage.Uploader.
func (u *Uploader) Delete(ctx context.Context, url string) error {
	key, err := storage.KeyFromURL(u.baseURL, url)
	if err != nil {
		return err
	}
	_, err = u.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %q: %w", key, err)
	}
	return nil
}
