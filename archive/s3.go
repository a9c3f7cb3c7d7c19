// Package archive mirrors finished mosaics to an S3-compatible object store.
// Uploads are best effort and never gate group completion.
package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	Bucket   string
	// Key prefix inside the bucket, default "mosaics".
	Prefix string
}

// Connect to the S3 (or minio) server endpoint.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
	})
	return client
}

// uploader is the slice of manager.Uploader the archiver needs.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Archiver struct {
	up     uploader
	bucket string
	prefix string
}

// NewS3 wraps an S3 client with the upload manager.
func NewS3(client *s3.Client, cfg Config) *S3Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mosaics"
	}
	return &S3Archiver{up: manager.NewUploader(client), bucket: cfg.Bucket, prefix: prefix}
}

func newWithUploader(up uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{up: up, bucket: bucket, prefix: prefix}
}

// ArchiveMosaic uploads the artifact under <prefix>/<dateDir>/<basename> and
// returns the object key.
func (a *S3Archiver) ArchiveMosaic(ctx context.Context, localPath, dateDir string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := path.Join(a.prefix, dateDir, filepath.Base(localPath))
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}
