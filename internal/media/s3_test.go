// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sysinst/sysinst/internal/issue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	objects map[string]string
	err     error
	keys    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3FetchUsesCandidatesUnderPrefix(t *testing.T) {
	t.Parallel()

	client := &fakeS3{objects: map[string]string{
		"mirror/14.1-RELEASE/bin/bin.tgz": "archive",
	}}
	src := &S3{Client: client, Bucket: "dist", Prefix: "mirror", Release: "14.1-RELEASE"}

	if err := src.Init(t.Context()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	rc, err := src.Fetch(t.Context(), "bin/bin.tgz", false)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "archive" {
		t.Errorf("body = %q", got)
	}
	want := []string{"mirror/bin/bin.tgz", "mirror/dists/bin/bin.tgz", "mirror/14.1-RELEASE/bin/bin.tgz"}
	if strings.Join(client.keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", client.keys, want)
	}
}

func TestS3FetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want issue.Kind
	}{
		{"missing everywhere", nil, issue.KindNotFound},
		{"not found api code", &smithy.GenericAPIError{Code: "NotFound"}, issue.KindNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}, issue.KindProtocol},
		{"network", errors.New("connection reset"), issue.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &S3{Client: &fakeS3{err: tt.err}, Bucket: "dist"}
			_, err := src.Fetch(t.Context(), "bin.tgz", true)
			if got := issue.KindOf(err); got != tt.want {
				t.Errorf("kind = %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestS3InitRequiresBucket(t *testing.T) {
	t.Parallel()

	src := &S3{Client: &fakeS3{}}
	if err := src.Init(t.Context()); issue.KindOf(err) != issue.KindResource {
		t.Fatalf("error = %v, want resource kind", err)
	}
}
