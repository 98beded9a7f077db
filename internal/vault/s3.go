package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"tapecat/internal/archive"
)

// versionMetadataKey is the S3 object metadata key carrying the archive
// version.
const versionMetadataKey = "tapecat-archive-version"

// S3Vault stores catalog archives as S3 objects under
// <prefix>/<directorID>.db.age, with the version in object metadata.
// Uploads go through the multipart upload manager so large catalogs
// stream without buffering in memory.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault creates an S3 vault. An empty accessKey selects the
// default AWS credential chain.
func NewS3Vault(ctx context.Context, name, bucket, prefix, region, accessKey, secretKey string) (*S3Vault, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) key(directorID string) string {
	return path.Join(v.prefix, directorID+".db.age")
}

// PutArchive uploads an archive, overwriting any previous one. S3 PUT
// is atomic per object: readers see either the old archive or the new
// one, never a partial upload.
func (v *S3Vault) PutArchive(ctx context.Context, directorID string, r io.Reader, size int64, version int64) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.key(directorID)),
		Body:          r,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			versionMetadataKey: strconv.FormatInt(version, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading archive to s3://%s/%s: %w", v.bucket, v.key(directorID), err)
	}
	return nil
}

// GetArchive downloads the stored archive and writes it to w.
func (v *S3Vault) GetArchive(ctx context.Context, directorID string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(directorID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("no archive stored for director %s", directorID)
		}
		return fmt.Errorf("downloading archive from s3://%s/%s: %w", v.bucket, v.key(directorID), err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading archive body: %w", err)
	}
	return nil
}

// ArchiveVersion reads the version from object metadata, 0 if no
// archive exists.
func (v *S3Vault) ArchiveVersion(ctx context.Context, directorID string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(directorID)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("checking archive at s3://%s/%s: %w", v.bucket, v.key(directorID), err)
	}

	raw, ok := out.Metadata[versionMetadataKey]
	if !ok {
		return 0, fmt.Errorf("archive for director %s has no version metadata", directorID)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing archive version %q: %w", raw, err)
	}
	return version, nil
}

// ValidateSetup verifies the bucket is reachable with the configured
// credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

var _ archive.Vault = (*S3Vault)(nil)
