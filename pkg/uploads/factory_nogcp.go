//go:build !gcp

package uploads

import (
	"context"
	"fmt"
)

func newGCSBackendFromEnv(ctx context.Context) (Backend, error) {
	return nil, fmt.Errorf("gcs upload backend requires building with the gcp tag")
}
