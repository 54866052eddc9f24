// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modeldl

import "context"

// Native-format defaults. A manifest whose FileExt equals the native
// extension triggers the post-process hook, and the finalized artifact
// lives at <model_id>.<suffix>.
const (
	DefaultNativeFileExt  = "mlmodel"
	DefaultNativeArtifact = "mlmodelc"
)

// PostProcessor transforms the assembled generic artifact into the
// canonical on-disk form, such as compiling a model into its
// native-inference format.
//
// Transform consumes the file at sourcePath and returns the path of the
// finalized artifact. On success the source file is removed by the engine
// if the hook has not already done so. On failure the source artifact and
// the journal are left on disk.
type PostProcessor interface {
	Transform(ctx context.Context, sourcePath, modelID string) (string, error)
}

// PostProcessorFunc adapts a function to the PostProcessor interface.
type PostProcessorFunc func(ctx context.Context, sourcePath, modelID string) (string, error)

// Transform implements PostProcessor.
func (f PostProcessorFunc) Transform(ctx context.Context, sourcePath, modelID string) (string, error) {
	return f(ctx, sourcePath, modelID)
}
