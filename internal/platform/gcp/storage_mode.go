package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

// BlobConfig describes where receipt artifacts are written and how they are addressed.
type BlobConfig struct {
	Mode          ObjectStorageMode
	EmulatorHost  string
	Bucket        string
	CDNDomain     string
	PublicBaseURL string
}

func (cfg BlobConfig) IsEmulatorMode() bool { return cfg.Mode == ObjectStorageModeGCSEmulator }

type BlobConfigError struct {
	Field string
	Value string
	Cause error
}

func (e *BlobConfigError) Error() string {
	if e == nil {
		return "invalid blob storage config"
	}
	if e.Value == "" {
		return fmt.Sprintf("invalid blob storage config: %s is required", e.Field)
	}
	return fmt.Sprintf("invalid blob storage config: %s=%q", e.Field, e.Value)
}

func (e *BlobConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// BlobConfigFromEnv reads OBJECT_STORAGE_MODE, STORAGE_EMULATOR_HOST, RECEIPT_GCS_BUCKET_NAME,
// RECEIPT_CDN_DOMAIN and OBJECT_STORAGE_PUBLIC_BASE_URL.
// An emulator host without an explicit mode selects emulator mode.
func BlobConfigFromEnv() (BlobConfig, error) {
	cfg := BlobConfig{
		EmulatorHost:  strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/"),
		Bucket:        strings.TrimSpace(os.Getenv("RECEIPT_GCS_BUCKET_NAME")),
		CDNDomain:     strings.TrimSpace(os.Getenv("RECEIPT_CDN_DOMAIN")),
		PublicBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL")), "/"),
	}
	rawMode := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_MODE"))
	switch ObjectStorageMode(strings.ToLower(rawMode)) {
	case "":
		cfg.Mode = ObjectStorageModeGCS
		if cfg.EmulatorHost != "" {
			cfg.Mode = ObjectStorageModeGCSEmulator
		}
	case ObjectStorageModeGCS:
		cfg.Mode = ObjectStorageModeGCS
	case ObjectStorageModeGCSEmulator:
		cfg.Mode = ObjectStorageModeGCSEmulator
	default:
		return cfg, &BlobConfigError{Field: "OBJECT_STORAGE_MODE", Value: rawMode}
	}
	return cfg, ValidateBlobConfig(cfg)
}

func ValidateBlobConfig(cfg BlobConfig) error {
	if cfg.Mode != ObjectStorageModeGCS && cfg.Mode != ObjectStorageModeGCSEmulator {
		return &BlobConfigError{Field: "OBJECT_STORAGE_MODE", Value: string(cfg.Mode)}
	}
	if cfg.Bucket == "" {
		return &BlobConfigError{Field: "RECEIPT_GCS_BUCKET_NAME"}
	}
	if cfg.PublicBaseURL != "" {
		if err := requireAbsoluteURL(cfg.PublicBaseURL); err != nil {
			return &BlobConfigError{Field: "OBJECT_STORAGE_PUBLIC_BASE_URL", Value: cfg.PublicBaseURL, Cause: err}
		}
	}
	if !cfg.IsEmulatorMode() {
		return nil
	}
	if cfg.EmulatorHost == "" {
		return &BlobConfigError{Field: "STORAGE_EMULATOR_HOST"}
	}
	if err := requireAbsoluteURL(cfg.EmulatorHost); err != nil {
		return &BlobConfigError{Field: "STORAGE_EMULATOR_HOST", Value: cfg.EmulatorHost, Cause: err}
	}
	return nil
}

func requireAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("expected absolute URL like http://fake-gcs:4443")
	}
	return nil
}
