/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package liveupload

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// ObjectWriter stores one replicated row as an object. The source
// project never implemented this step (send_payload was a TODO
// stub); S3Writer supplies the upload it left out.
type ObjectWriter interface {
	Write(ctx context.Context, bucket, key string, body []byte) error
}

// S3Writer uploads objects via the S3 transfer manager, which picks
// single-PUT vs multipart automatically based on body size.
type S3Writer struct {
	uploader *manager.Uploader
}

var _ ObjectWriter = (*S3Writer)(nil)

// NewS3Writer loads AWS credentials/region from the environment
// (shared config, env vars, EC2/ECS metadata) the same way the AWS
// CLI and SDKs resolve them.
func NewS3Writer(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (*S3Writer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, "liveupload: load aws config")
	}
	client := s3.NewFromConfig(cfg)
	return &S3Writer{uploader: manager.NewUploader(client)}, nil
}

func (w *S3Writer) Write(ctx context.Context, bucket, key string, body []byte) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(err, "liveupload: upload object")
	}
	return nil
}
