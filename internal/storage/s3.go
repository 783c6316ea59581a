package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const defaultPresignTTL = 15 * time.Minute

var errMissingBucket = errors.New("storage: bucket is required")

// S3Config bundles what is needed to talk to an S3-compatible object store.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PresignTTL time.Duration
	Logger     *zap.Logger
}

// S3Store implements ObjectStore on top of an S3 bucket. Public objects are
// written with a public-read ACL and fetched directly; restricted objects are
// private and fetched through presigned GETs.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	publicBase string
	presignTTL time.Duration
	logger     *zap.Logger
}

// NewS3Store constructs the production object store client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
			options.UsePathStyle = true
		}
	})

	publicBase := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, cfg.Region)
	if cfg.Endpoint != "" {
		publicBase = fmt.Sprintf("%s/%s", strings.TrimRight(cfg.Endpoint, "/"), bucket)
	}

	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     bucket,
		publicBase: publicBase,
		presignTTL: presignTTL,
		logger:     logger,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, folderKey, objectID string, payload []byte, contentType string, kind ResourceKind, visibility Visibility) (string, error) {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	}
	if visibility == VisibilityPublic {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return s.urlFor(key), nil
}

func (s *S3Store) DeleteByPrefix(ctx context.Context, folderKey string, kind ResourceKind, visibility Visibility) error {
	prefix, err := prefixKey(folderKey, kind, visibility)
	if err != nil {
		return err
	}
	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3Store) DeleteObject(ctx context.Context, folderKey, objectID string, kind ResourceKind) error {
	var keys []string
	for _, visibility := range []Visibility{VisibilityPublic, VisibilityRestricted} {
		key, err := objectKey(folderKey, objectID, kind, visibility)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3Store) Rename(ctx context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error {
	oldPrefix, err := prefixKey(oldFolder, kind, visibility)
	if err != nil {
		return err
	}
	newPrefix, err := prefixKey(newFolder, kind, visibility)
	if err != nil {
		return err
	}

	return s.copyPrefix(ctx, oldPrefix, newPrefix, visibility, true)
}

func (s *S3Store) Copy(ctx context.Context, oldFolder, newFolder string, kind ResourceKind, visibility Visibility) error {
	oldPrefix, err := prefixKey(oldFolder, kind, visibility)
	if err != nil {
		return err
	}
	newPrefix, err := prefixKey(newFolder, kind, visibility)
	if err != nil {
		return err
	}
	return s.copyPrefix(ctx, oldPrefix, newPrefix, visibility, false)
}

func (s *S3Store) copyPrefix(ctx context.Context, oldPrefix, newPrefix string, visibility Visibility, removeSource bool) error {
	keys, err := s.listKeys(ctx, oldPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		target := newPrefix + strings.TrimPrefix(key, oldPrefix)
		copyInput := &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			CopySource: aws.String(s.bucket + "/" + key),
			Key:        aws.String(target),
		}
		if visibility == VisibilityPublic {
			copyInput.ACL = types.ObjectCannedACLPublicRead
		}
		if _, err := s.client.CopyObject(ctx, copyInput); err != nil {
			return fmt.Errorf("storage: copy %s: %w", key, err)
		}
		if removeSource {
			if err := s.deleteKeys(ctx, []string{key}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, folderKey string, kind ResourceKind, visibility Visibility) ([]Object, error) {
	prefix, err := prefixKey(folderKey, kind, visibility)
	if err != nil {
		return nil, err
	}
	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	objects := make([]Object, 0, len(keys))
	for _, key := range keys {
		object, ok := splitKey(key)
		if !ok {
			s.logger.Warn("skipping object with unexpected key layout", zap.String("key", key))
			continue
		}
		object.URL = s.urlFor(key)
		objects = append(objects, object)
	}
	return objects, nil
}

func (s *S3Store) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	key, ok := strings.CutPrefix(rawURL, s.publicBase+"/")
	if !ok {
		return rawURL, nil
	}
	object, ok := splitKey(key)
	if !ok || object.Visibility == VisibilityPublic {
		return rawURL, nil
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return presigned.URL, nil
}

// Fetch reads an object's bytes back, satisfying PayloadReader.
func (s *S3Store) Fetch(ctx context.Context, folderKey, objectID string, kind ResourceKind, visibility Visibility) ([]byte, error) {
	key, err := objectKey(folderKey, objectID, kind, visibility)
	if err != nil {
		return nil, err
	}
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: fetch %s: %w", key, err)
	}
	defer output.Body.Close()

	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(output.Body); err != nil {
		return nil, fmt.Errorf("storage: fetch %s: %w", key, err)
	}
	return buffer.Bytes(), nil
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, item := range page.Contents {
			if item.Key != nil {
				keys = append(keys, *item.Key)
			}
		}
	}
	return keys, nil
}

func (s *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	identifiers := make([]types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: identifiers,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("storage: delete objects: %w", err)
	}
	return nil
}

func (s *S3Store) urlFor(key string) string {
	return fmt.Sprintf("%s/%s", s.publicBase, key)
}
