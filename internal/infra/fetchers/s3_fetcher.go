package fetchers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/logger"
)

// ErrSizeLimit is returned when a fetch would exceed MaxTotalSize.
var ErrSizeLimit = errors.New("artifact size limit exceeded")

// S3Config contains configuration for S3 fetcher.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string // Custom endpoint for S3-compatible services
	AuthType   string // default, keys, sts_role
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string
	Options    FetchOptions
}

// s3API is the subset of the S3 client the fetcher uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches model artifacts from S3/MinIO.
type S3Fetcher struct {
	config S3Config
	client s3API
	logger *logger.Logger
}

// NewS3Fetcher creates a new S3 fetcher.
func NewS3Fetcher(ctx context.Context, cfg S3Config, log *logger.Logger) (*S3Fetcher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	var awsOpts []func(*config.LoadOptions) error
	awsOpts = append(awsOpts, config.WithRegion(cfg.Region))

	switch cfg.AuthType {
	case "keys":
		awsOpts = append(awsOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	case "sts_role":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)
		assumeOpts := func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		}
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, assumeOpts)
		awsOpts = append(awsOpts, config.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3Fetcher(cfg, s3.NewFromConfig(awsCfg, s3Opts...), log), nil
}

func newS3Fetcher(cfg S3Config, client s3API, log *logger.Logger) *S3Fetcher {
	return &S3Fetcher{
		config: cfg,
		client: client,
		logger: log.With("component", "s3_fetcher", "bucket", cfg.Bucket),
	}
}

// FetchInto streams every object under prefix into dir, keeping the
// layout below the prefix.
func (f *S3Fetcher) FetchInto(ctx context.Context, prefix, dir string) ([]string, error) {
	prefix = normalizePrefix(prefix)
	opts := f.config.Options

	var (
		written   []string
		totalSize int64
	)

	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.config.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return written, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)

			// Skip "directories"
			if strings.HasSuffix(key, "/") {
				continue
			}
			if !matchesExtension(key, opts.Extensions) {
				continue
			}

			size := aws.ToInt64(obj.Size)
			if opts.MaxFileSize > 0 && size > opts.MaxFileSize {
				f.logger.Warn("skipping oversized artifact", "key", key, "size", size)
				continue
			}
			if opts.MaxTotalSize > 0 && totalSize+size > opts.MaxTotalSize {
				return written, fmt.Errorf("%w: %d bytes under %s", ErrSizeLimit, totalSize+size, prefix)
			}

			rel, err := sanitizeObjectPath(strings.TrimPrefix(key, prefix))
			if err != nil {
				return written, err
			}
			if err := f.download(ctx, key, filepath.Join(dir, rel), size); err != nil {
				return written, err
			}

			written = append(written, rel)
			totalSize += size
		}
	}

	f.logger.Debug("artifacts fetched", "prefix", prefix, "files", len(written), "bytes", totalSize)
	return written, nil
}

func (f *S3Fetcher) download(ctx context.Context, key, dest string, size int64) error {
	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	out, err := os.Create(dest) //nolint:gosec // dest is sanitized and rooted in the session dir
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	// Read at most one byte past the listed size so a growing object is
	// detected instead of silently truncated.
	n, err := io.Copy(out, io.LimitReader(resp.Body, size+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if n != size {
		return fmt.Errorf("object %s changed during download: listed %d bytes, read %d", key, size, n)
	}
	return nil
}

var _ automation.ArtifactFetcher = (*S3Fetcher)(nil)
