package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// NewS3Client builds an s3.Client from the default AWS config chain.
// Pass the credentials provider Control Plane's AWS_authenticate
// (spec §4.H) obtains from the Cognito identity-pool flow, or nil to
// fall back to the default chain (environment, shared config, IMDS).
func NewS3Client(ctx context.Context, region string, creds aws.CredentialsProvider) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if creds != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// S3Destination sends files to an S3 bucket, pre-flighting each with a
// HeadObject call (spec §4.G step 2). Open/Close are no-ops: the
// client is already safe for concurrent use across patients.
type S3Destination struct {
	Client        *s3.Client
	Bucket        string
	Prefix        string
	UserDirectory string
}

func (d *S3Destination) Open(ctx context.Context) error { return nil }
func (d *S3Destination) Close() error                   { return nil }

func (d *S3Destination) key(ref FileRef) string {
	return strings.Join([]string{
		d.Prefix, d.UserDirectory, ref.AnonPatientID, ref.AnonStudyUID, ref.AnonSeriesUID,
		ref.AnonSOPInstanceUID + ".dcm",
	}, "/")
}

func (d *S3Destination) Exists(ctx context.Context, ref FileRef) (bool, error) {
	key := d.key(ref)
	_, err := d.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(d.Bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (d *S3Destination) Send(ctx context.Context, ref FileRef) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("open stored instance: %w", err)
	}
	defer f.Close()

	key := d.key(ref)
	_, err = d.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
