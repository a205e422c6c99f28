package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// BlobStore persists rendered receipt artifacts.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type receiptStore struct {
	log     *logger.Logger
	client  *storage.Client
	cfg     BlobConfig
	timeout time.Duration
}

func NewReceiptStore(ctx context.Context, log *logger.Logger, cfg BlobConfig, timeout time.Duration) (BlobStore, error) {
	if err := ValidateBlobConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate blob config: %w", err)
	}
	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	serviceLog := log.With("service", "ReceiptStore")
	serviceLog.Info("Receipt storage initialized",
		"mode", cfg.Mode,
		"bucket", cfg.Bucket,
		"emulator_host", cfg.EmulatorHost,
	)
	return &receiptStore{log: serviceLog, client: client, cfg: cfg, timeout: timeout}, nil
}

func newStorageClient(ctx context.Context, cfg BlobConfig) (*storage.Client, error) {
	if cfg.IsEmulatorMode() {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	return storage.NewClient(ctx, opts...)
}

func (s *receiptStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("missing object key")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w := s.client.Bucket(s.cfg.Bucket).Object(key).NewWriter(ctx)
	if contentType == "" {
		contentType = contentTypeForKey(key)
	}
	w.ContentType = contentType
	w.CacheControl = "private, max-age=300"
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write receipt to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *receiptStore) Delete(ctx context.Context, key string) error {
	key = normalizeKey(key)
	if key == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.client.Bucket(s.cfg.Bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete GCS object %q: %w", key, err)
	}
	return nil
}

func (s *receiptStore) PublicURL(key string) string {
	key = normalizeKey(key)
	switch {
	case s.cfg.CDNDomain != "":
		return fmt.Sprintf("https://%s/%s", s.cfg.CDNDomain, key)
	case s.cfg.IsEmulatorMode():
		base := s.cfg.PublicBaseURL
		if base == "" {
			base = s.cfg.EmulatorHost
		}
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", base, url.PathEscape(s.cfg.Bucket), url.PathEscape(key))
	case s.cfg.PublicBaseURL != "":
		return fmt.Sprintf("%s/%s/%s", s.cfg.PublicBaseURL, s.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.cfg.Bucket, key)
	}
}

func normalizeKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(key)
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
