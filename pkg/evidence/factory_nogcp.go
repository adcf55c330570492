//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	return nil, fmt.Errorf("evidence: gcs storage is not enabled in this build (use -tags gcp)")
}
