// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dreambooth fine-tunes a latent text-to-image diffusion model on a few images of a subject.
//
// Usage:
//
//	dreambooth [flags] <config.yaml> [key.path=value ...]
//	dreambooth inspect [--params] <save_folder>
//
// The overrides are merged onto the configuration file, e.g. "optimizer.lr=1e-6" or
// "dataset.eval_prompts=[a photo of sks dog in the snow]".
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/dreambooth/pkg/config"
	"github.com/gomlx/dreambooth/pkg/trainer"
)

// ErrUsage is returned for invalid command line arguments. The program exits with code 2.
var ErrUsage = errors.New("usage: dreambooth [flags] <config.yaml> [key.path=value ...]")

func validateArgs(_ *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.WithMessage(ErrUsage, "missing configuration file")
	}
	info, err := os.Stat(args[0])
	if err != nil {
		return errors.WithMessagef(ErrUsage, "configuration file %q: %v", args[0], err)
	}
	if info.IsDir() {
		return errors.WithMessagef(ErrUsage, "configuration file %q is a directory", args[0])
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var backendConfig string
	cmd := &cobra.Command{
		Use:           "dreambooth [flags] <config.yaml> [key.path=value ...]",
		Short:         "DreamBooth fine-tuning of latent text-to-image diffusion models",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          validateArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], args[1:]...)
			if err != nil {
				return err
			}
			var backend backends.Backend
			if backendConfig != "" {
				backend, err = backends.NewWithConfig(backendConfig)
			} else {
				backend, err = backends.New()
			}
			if err != nil {
				return errors.WithMessage(err, "failed to create backend")
			}
			defer backend.Finalize()
			result, err := trainer.Run(context.New(), backend, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Run %q finished at global step %d", result.RunName, result.GlobalStep)
			if result.Checkpoints != "" {
				fmt.Printf(", checkpoints in %q", result.Checkpoints)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.WithMessage(ErrUsage, err.Error())
	})
	cmd.Flags().StringVar(&backendConfig, "backend", "",
		fmt.Sprintf("GoMLX backend configuration, e.g. \"xla:cuda\". Defaults to $%s.", backends.GOMLX_BACKEND))
	cmd.Flags().AddGoFlagSet(goflag.CommandLine)
	cmd.AddCommand(newInspectCmd())
	return cmd
}

func newInspectCmd() *cobra.Command {
	var withParams bool
	cmd := &cobra.Command{
		Use:   "inspect [--params] <save_folder>",
		Short: "Reports the latest checkpoint of a fine-tuning run",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.WithMessagef(ErrUsage, "inspect takes exactly one checkpoint directory, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := trainer.Inspect(cmd.OutOrStdout(), args[0], withParams)
			return err
		},
	}
	cmd.Flags().BoolVar(&withParams, "params", false, "Also list the hyperparameters saved with the checkpoint.")
	return cmd
}

func main() {
	klog.InitFlags(nil)
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	if errors.Is(err, ErrUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	klog.Exitf("dreambooth failed: %+v", err)
}
