// Package reportuploader implements the ambient commit-report upload
// described in SPEC_FULL's "Commit report" section: a best-effort,
// non-gating upload of a JSON summary to S3 after every actor run.
package reportuploader

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/release-engineering/exodus-commit/kv"
	"github.com/release-engineering/exodus-commit/telemetry"
)

// Uploader uploads a commit report to S3, mirroring this codebase's
// S3-backed store idiom (parse the bucket/key from a URI, then PutObject).
type Uploader struct {
	client kv.S3Client
}

// New constructs an Uploader.
func New(client kv.S3Client) *Uploader {
	return &Uploader{client: client}
}

// Upload marshals report as JSON and writes it to the given s3:// URI. A
// failure here is logged by the caller but never fails the commit.
func (u *Uploader) Upload(ctx context.Context, uri string, report telemetry.Report) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid report S3 URI: %w", err)
	}
	if parsed.Scheme != "s3" {
		return fmt.Errorf("report S3 URI must use s3 scheme, got %q", parsed.Scheme)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode commit report: %w", err)
	}

	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload commit report: %w", err)
	}
	return nil
}
