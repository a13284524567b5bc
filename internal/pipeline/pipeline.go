// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/sysinst/sysinst/internal/config"
)

// ErrAborted is the status of a pipeline torn down with Abort.
var ErrAborted = errors.New("pipeline aborted")

type (
	// Pipeline consumes one compressed archive.
	Pipeline interface {
		io.Writer
		// Close ends the input and waits for every stage.
		Close() error
		// Abort stops every stage and waits for them to exit.
		Abort()
	}

	// Factory starts pipelines rooted at a directory.
	Factory interface {
		Start(ctx context.Context, dir string) (Pipeline, error)
	}
)

// New returns the Factory selected by cfg.Pipeline.
func New(cfg config.InstallConfig) Factory {
	if cfg.Pipeline == config.PipelineCodec {
		return Codec{}
	}
	return Exec{Decompress: cfg.DecompressCmd, Unarchive: cfg.UnarchiveCmd}
}
