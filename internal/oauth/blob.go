package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBlobPrefix = "moenhome/oauth"

var ErrBlobNotFound = errors.New("token blob not found")

// BlobStore mirrors token state to object storage, keyed by account.
type BlobStore interface {
	Load(ctx context.Context, account string) ([]byte, error)
	Save(ctx context.Context, account string, data []byte) error
}

// BlobConfig configures the S3 compatible mirror. Keys are read from files.
type BlobConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
	Region        string `yaml:"region"`
}

// Enabled reports whether any blob setting was provided.
func (c BlobConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" || strings.TrimSpace(c.Bucket) != ""
}

// S3Store keeps one JSON object per account under a prefix.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg BlobConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}
	host, secure, err := parseEndpoint(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, err
	}

	accessKey, err := readKeyFile("access", cfg.AccessKeyFile)
	if err != nil {
		return nil, err
	}
	secretKey, err := readKeyFile("secret", cfg.SecretKeyFile)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultBlobPrefix
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Check verifies the bucket is reachable with the configured keys.
func (s *S3Store) Check(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("blob bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, account string) ([]byte, error) {
	key, err := s.key(account)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		return nil, notFound(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, account string, data []byte) error {
	key, err := s.key(account)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"account": account},
	})
	if err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) key(account string) (string, error) {
	if account == "" || strings.ContainsAny(account, "/\\") || account == "." || account == ".." {
		return "", fmt.Errorf("invalid account name %q for blob key", account)
	}
	return path.Join(s.prefix, account+".json"), nil
}

func notFound(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return err
}

// parseEndpoint accepts host[:port] (TLS) or an http(s) URL without a path.
func parseEndpoint(raw string) (string, bool, error) {
	if raw == "" {
		return "", false, fmt.Errorf("blob endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, true, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse blob endpoint: %w", err)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") {
		return "", false, fmt.Errorf("invalid blob endpoint %q", raw)
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	default:
		return "", false, fmt.Errorf("unsupported blob endpoint scheme %q", u.Scheme)
	}
}

func readKeyFile(kind, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("blob %s key file is required", kind)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read blob %s key: %w", kind, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("blob %s key file %s is empty", kind, path)
	}
	return key, nil
}
