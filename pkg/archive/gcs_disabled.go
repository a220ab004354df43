//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, SinkConfig) (Sink, error) {
	return nil, fmt.Errorf("archive: GCS sink is not enabled in this build (use -tags gcp)")
}
