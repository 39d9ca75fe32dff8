// Package s3compat implements storage.Store over an S3-compatible XML API.
// Against storage.googleapis.com it uses HMAC interoperability keys; the
// same code talks to local S3 emulators during development.
package s3compat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/safety"
	"github.com/BadgerOps/dtebundle/internal/storage"
)

// Options configures the client.
type Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxObjectBytes  int64
}

// Store is an S3 API client bound to one endpoint.
type Store struct {
	client   *s3.Client
	maxBytes int64
	logger   *slog.Logger
}

// New builds the S3 client. Without keys requests are sent anonymously.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Region == "" {
		opts.Region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	} else {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		// The GCS XML API rejects aws-chunked uploads with trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{
		client:   client,
		maxBytes: opts.MaxObjectBytes,
		logger:   logger.With("backend", "s3compat", "endpoint", opts.Endpoint),
	}, nil
}

func (s *Store) Stat(ctx context.Context, ref objref.Ref) (storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return storage.ObjectInfo{}, mapError("stat", ref, err)
	}
	info := storage.ObjectInfo{
		Ref:         ref,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		info.Updated = *out.LastModified
	}
	return info, nil
}

func (s *Store) Read(ctx context.Context, ref objref.Ref) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	defer out.Body.Close()

	data, err := safety.ReadAllWithLimit(out.Body, s.maxBytes)
	if err != nil {
		return nil, mapError("read", ref, err)
	}
	return data, nil
}

func (s *Store) Write(ctx context.Context, ref objref.Ref, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ref.Bucket),
		Key:           aws.String(ref.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return mapError("write", ref, err)
	}
	s.logger.Debug("object written", "ref", ref.String(), "bytes", len(data))
	return nil
}

func mapError(op string, ref objref.Ref, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		if status == 404 {
			return storage.NotFound(op, ref, err)
		}
		if kind, ok := faults.KindForStatus(status); ok {
			return &faults.Error{Kind: kind, Op: op, Ref: ref.String(), Status: status, Err: err}
		}
	}
	return fmt.Errorf("s3 %s %s: %w", op, ref, err)
}
