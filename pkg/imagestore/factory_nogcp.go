//go:build !gcp

package imagestore

import (
	"context"
	"fmt"
)

func gcsFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("gcs image storage is not enabled in this build (use -tags gcp)")
}
