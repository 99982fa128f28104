//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return nil, fmt.Errorf("artifacts: gcs storage is not enabled in this build (use -tags gcp)")
}
