package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements Store on an S3-compatible bucket through MinIO.
//
//	bucketName/
//	└── [keyPrefix/]
//	    ├── store.json     # StoreInfo
//	    ├── vault.json     # global vault configuration
//	    └── users/
//	        └── <userID>.json
//
// Versions are the object ETags.
type S3Store struct {
	// client is the MinIO client used to interact with the server.
	client *minio.Client

	// bucketName holds all vault objects.
	bucketName string

	// keyPrefix namespaces the objects when the bucket is shared.
	keyPrefix string

	mu sync.Mutex
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service (host:port).
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the bucket.
}

// NewS3Store connects to the object store, creating the bucket and the
// store descriptor when missing.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeStoreInfo(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store info: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig decodes the generic config map into S3Config.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) initializeStoreInfo(ctx context.Context) error {
	objectName := s3s.buildPath("store.json")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check store info: %w", err)
	}

	data, err := json.MarshalIndent(newStoreInfo(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store info: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":         "store-info",
				"structure-version": storeInfoStructure,
			},
		})
	if err != nil {
		return fmt.Errorf("failed to create store info: %w", err)
	}
	return nil
}

func (s3s *S3Store) SaveVaultConfig(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault config cannot be empty")
	}
	return s3s.saveVersioned(s3s.buildPath("vault.json"), data, expectedVersion, "SaveVaultConfig", "vault-config")
}

func (s3s *S3Store) LoadVaultConfig() (*VersionedData, error) {
	return s3s.loadVersioned(s3s.buildPath("vault.json"), "vault config")
}

func (s3s *S3Store) VaultConfigExists() (bool, error) {
	return s3s.objectExists(s3s.buildPath("vault.json"))
}

func (s3s *S3Store) SaveUserRecord(userID string, data []byte, expectedVersion string) (string, error) {
	if err := validateUserID(userID); err != nil {
		return "", fmt.Errorf("invalid user ID: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("user record cannot be empty")
	}
	return s3s.saveVersioned(s3s.userObjectName(userID), data, expectedVersion, "SaveUserRecord", "user-record")
}

func (s3s *S3Store) LoadUserRecord(userID string) (*VersionedData, error) {
	if err := validateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}
	return s3s.loadVersioned(s3s.userObjectName(userID), "user record "+userID)
}

func (s3s *S3Store) UserRecordExists(userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, fmt.Errorf("invalid user ID: %w", err)
	}
	return s3s.objectExists(s3s.userObjectName(userID))
}

func (s3s *S3Store) DeleteUserRecord(userID string) error {
	if err := validateUserID(userID); err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}

	exists, err := s3s.UserRecordExists(userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("user record %s: %w", userID, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.userObjectName(userID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete user record: %w", err)
	}
	return nil
}

func (s3s *S3Store) ListUsers() ([]string, error) {
	prefix := s3s.buildPath("users") + "/"

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	users := []string{}
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		users = append(users, strings.TrimSuffix(name, recordExt))
	}

	sort.Strings(users)
	return users, nil
}

// Health and utilities
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close refreshes the last access time in the store descriptor
func (s3s *S3Store) Close() error {
	objectName := s3s.buildPath("store.json")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil
	}
	defer object.Close()

	infoData, err := io.ReadAll(object)
	if err != nil {
		return nil
	}
	var info StoreInfo
	if err = json.Unmarshal(infoData, &info); err != nil {
		return nil
	}
	info.LastAccess = time.Now().UTC()
	if updated, err := json.MarshalIndent(info, "", "  "); err == nil {
		_, _ = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
			bytes.NewReader(updated), int64(len(updated)),
			minio.PutObjectOptions{ContentType: "application/json"})
	}
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) saveVersioned(objectName string, data []byte, expectedVersion, operation, dataType string) (string, error) {
	s3s.mu.Lock()
	defer s3s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"data-type":  dataType,
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if !versionMatches(expectedVersion, currentVersion) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		if expectedVersion == CreateOnly {
			putOptions.SetMatchETagExcept("*")
		} else {
			putOptions.SetMatchETag(expectedVersion)
		}
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", dataType, err)
	}

	return s3s.cleanETag(info.ETag), nil
}

func (s3s *S3Store) loadVersioned(objectName, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on the first read or stat
	objectInfo, err := object.Stat()
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt, ok := objectInfo.UserMetadata["Created-At"]; ok {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) userObjectName(userID string) string {
	return s3s.buildPath("users", userID+recordExt)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
