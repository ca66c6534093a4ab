// Package archive copies downloaded extracts to S3 before they are loaded,
// keeping a replayable record of every file the loader ingested.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/deeplynx/loader/internal/config"
)

// ErrArchive wraps every failure to archive an extract.
var ErrArchive = errors.New("archive error")

// API is the subset of the S3 client the archiver uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads extracts to one bucket under a key prefix.
type Archiver struct {
	api    API
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// New creates an archiver for cfg using the default AWS credential chain.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: no bucket configured", ErrArchive)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithAPI(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithAPI creates an archiver over an existing client.
func NewWithAPI(api API, bucket, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		now:    time.Now,
	}
}

// Key returns the object key an extract of table named name is stored
// under: <prefix>/<table>/<yyyy>/<mm>/<dd>/<name>.
func (a *Archiver) Key(table, name string, at time.Time) string {
	return path.Join(a.prefix, table, at.UTC().Format("2006/01/02"), name)
}

// Archive uploads the file at filePath as an extract of table and returns
// its object key.
func (a *Archiver) Archive(ctx context.Context, table, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrArchive, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrArchive, err)
	}

	key := a.Key(table, filepath.Base(filePath), a.now())
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("text/csv"),
		Metadata:      map[string]string{"table": table},
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload s3://%s/%s: %w", ErrArchive, a.bucket, key, err)
	}

	a.logger.DebugContext(ctx, "extract archived", "bucket", a.bucket, "key", key, "bytes", info.Size())
	return key, nil
}
