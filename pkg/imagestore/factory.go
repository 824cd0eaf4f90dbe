package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names an image storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// FromEnv selects and builds an image store from environment variables.
//
//	ARTIFACT_STORAGE_TYPE  "fs" (default), "s3" or "gcs"
//	DATA_DIR               base directory for the fs backend (default "data")
//	ARTIFACT_S3_BUCKET     required for s3
//	ARTIFACT_S3_REGION     falls back to AWS_REGION, then us-east-1
//	ARTIFACT_S3_ENDPOINT   optional, MinIO or LocalStack
//	ARTIFACT_S3_PREFIX     optional key prefix
//	ARTIFACT_GCS_BUCKET    required for gcs
//	ARTIFACT_GCS_PREFIX    optional key prefix
//
// The gcs backend needs a build with the gcp tag.
func FromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		return diskFromEnv()
	case BackendS3:
		return s3FromEnv(ctx)
	case BackendGCS:
		return gcsFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported image storage backend: %s", backend)
	}
}

func diskFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewDiskStore(filepath.Join(dataDir, "images"))
}

func s3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
	})
}
