// Package archive ships raw lookup trails to object storage so a failed
// validation can be diagnosed long after the audit row was written. Uploads
// are best effort and never gate a job decision.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Trail is the archived artifact for one lookup.
type Trail struct {
	JobID      int64     `json:"job_id"`
	MemberID   int64     `json:"member_id"`
	Outcome    string    `json:"outcome"`
	Steps      []string  `json:"steps"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver stores one trail and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, trail Trail) (string, error)
}

// S3Options configures the trail bucket.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Archiver writes trails as JSON objects under trails/<job>/.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver, honoring a custom endpoint for
// S3-compatible stores.
func NewS3Archiver(ctx context.Context, opts S3Options) (*S3Archiver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Archiver{client: client, bucket: opts.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, trail Trail) (string, error) {
	if trail.ArchivedAt.IsZero() {
		trail.ArchivedAt = time.Now().UTC()
	}
	body, err := json.Marshal(trail)
	if err != nil {
		return "", fmt.Errorf("marshal trail: %w", err)
	}
	key := fmt.Sprintf("trails/%d/%s.json", trail.JobID, uuid.New())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload trail: %w", err)
	}
	return key, nil
}
