// Package dumps handles the bulk directory exports: fetching them
// from object storage, tracking which submission is the newest, and
// the HTTP surface through which submissions are announced.
package dumps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// StoreConfig configures access to the dump bucket.
type StoreConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Store reads directory dumps from S3 compatible object storage.
type Store struct {
	bucket string
	svc    *s3.S3
}

// NewStore creates a dump store client.
func NewStore(cfg StoreConfig) (*Store, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	}
	if cfg.Endpoint != "" {
		// The dump bucket usually lives on a non-AWS S3 deployment.
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("dumps: create session: %w", err)
	}

	return &Store{
		bucket: cfg.Bucket,
		svc:    s3.New(sess),
	}, nil
}

// Fetch downloads a dump and, when a checksum is given, verifies its
// sha-256 before handing the bytes back.
func (s *Store) Fetch(ctx context.Context, key, checksum string) ([]byte, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("dumps: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("dumps: read %s: %w", key, err)
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != checksum {
			return nil, fmt.Errorf("dumps: checksum mismatch for %s: got %s want %s", key, got, checksum)
		}
	}
	return data, nil
}
