// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/dreambooth/pkg/config"
)

func execute(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestUsageErrors(t *testing.T) {
	err := execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	err = execute(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	err = execute(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	err = execute("--not_a_flag", "config.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	err = execute("inspect")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	// An empty directory is a valid argument without checkpoints.
	err = execute("inspect", t.TempDir())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUsage))
}

func TestGradAccumAutoOnCPU(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dreambooth.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
device: cpu
grad_accum: auto
model:
  name: native
dataset:
  instance_data_root: data/dog
  instance_prompt: a photo of sks dog
`), 0644))
	err := execute(configPath, "save_folder="+filepath.Join(dir, "checkpoints"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUsage))
	assert.True(t, errors.Is(err, config.ErrGradAccumAutoOnCPU))

	// Invalid overrides are configuration errors, not usage errors.
	err = execute(configPath, "no_equal_sign")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUsage))
}
