// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	"github.com/sysinst/sysinst/internal/issue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the part of the S3 client the mirror transport uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches distributions from an object-store mirror laid out like a
// release directory beneath Prefix.
type S3 struct {
	Client  S3API
	Bucket  string
	Prefix  string
	Release string
}

// NewS3Client builds a client for endpoint, or AWS itself when endpoint is
// empty. Credentials come from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY;
// without them requests are anonymous.
func NewS3Client(endpoint, region string) *s3.Client {
	opts := s3.Options{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
	}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		opts.Credentials = StaticCredentials(id, secret)
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// StaticCredentials returns a provider for a fixed key pair.
func StaticCredentials(id, secret string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, Source: "sysinst"}, nil
	})
}

// Name implements Source.
func (s *S3) Name() string { return "s3" }

// Init checks that a client and bucket are configured.
func (s *S3) Init(_ context.Context) error {
	if s.Client == nil || s.Bucket == "" {
		return issue.New(issue.KindResource, "init s3", s.Bucket, errors.New("no client or bucket configured"))
	}
	return nil
}

// Fetch returns the body of the first existing candidate key.
func (s *S3) Fetch(ctx context.Context, file string, _ bool) (io.ReadCloser, error) {
	for _, rel := range candidates(s.Release, file) {
		key := path.Join(s.Prefix, rel)
		out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return out.Body, nil
		}
		if isMissingObject(err) {
			continue
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, issue.New(issue.KindProtocol, "get object", key, err)
		}
		return nil, issue.New(issue.KindTransient, "get object", key, err)
	}
	return nil, issue.NotFound("fetch", file)
}

func isMissingObject(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// Shutdown implements Source.
func (s *S3) Shutdown(_ context.Context) error { return nil }
