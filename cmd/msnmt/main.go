// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// msnmt builds multi-source translation models from a vocabulary and hyperparameters, or loads a saved
// model for inference, and reports its structure.
//
// Examples:
//
//	# Build a small model and save it.
//	msnmt build --vocab=~/data/vocab.json --set="rnn_size=64;layers=1" --out=~/models/small
//
//	# Load it for inference on the CPU, converting half-precision weights.
//	msnmt load --model=~/models/small --set="fp32=true"
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/hdlp/msnmt/models/msnmt"
	"github.com/hdlp/msnmt/pkg/ml/data/vocab"
	"github.com/hdlp/msnmt/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	flagBackend  string
	flagConfig   string
	flagSettings string
	flagSources  []string
)

func main() {
	klog.InitFlags(nil)
	defaultCtx := msnmt.CreateDefaultContext()

	rootCmd := &cobra.Command{
		Use:           "msnmt",
		Short:         "Build or load multi-source, type-appended translation models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "",
		fmt.Sprintf("Backend configuration, e.g. \"xla:cuda\". If empty, $%s or the default backend is used.", backends.ConfigEnvVar))
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"YAML, JSON or TOML file with hyperparameters. Values can also be given with MSNMT_<PARAM> environment variables.")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "set", "", commandline.ContextSettingsUsage(defaultCtx))
	rootCmd.PersistentFlags().StringSliceVar(&flagSources, "sources", []string{"l", "r", msnmt.TypeSource},
		"Source types of the model: one encoder is built per source, except for \"type\".")

	var vocabPath, outDir string
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a model with freshly initialized weights, optionally saving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return build(defaultCtx, vocabPath, outDir)
		},
	}
	buildCmd.Flags().StringVar(&vocabPath, "vocab", "", "Path to the vocabulary file written by the preprocessing.")
	buildCmd.Flags().StringVar(&outDir, "out", "", "Directory where to save the model. It must not exist or be empty.")
	must.M(buildCmd.MarkFlagRequired("vocab"))

	var modelDir string
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load a saved model for inference and report it",
		Long: "Load a saved model for inference. The hyperparameters come from the model, only the runtime " +
			"options (gpu, gpu_ranks, fp32 and data_type) are taken from the command line.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return load(defaultCtx, modelDir)
		},
	}
	loadCmd.Flags().StringVar(&modelDir, "model", "", "Directory of the saved model.")
	must.M(loadCmd.MarkFlagRequired("model"))

	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "List the hyperparameters and their values after applying --config and --set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := configureContext(defaultCtx); err != nil {
				return err
			}
			fmt.Println(commandline.SprintContextSettings(defaultCtx))
			return nil
		},
	}

	rootCmd.AddCommand(buildCmd, loadCmd, paramsCmd)
	if err := rootCmd.Execute(); err != nil {
		klog.Fatalf("%+v", err)
	}
	klog.Flush()
}

// configureContext applies --config (and environment variables) and then --set to ctx.
func configureContext(ctx *context.Context) (paramsSet []string, err error) {
	v := viper.New()
	v.SetEnvPrefix("MSNMT")
	v.AutomaticEnv()
	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
		if err = v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %q", flagConfig)
		}
	}
	if paramsSet, err = commandline.ApplyConfig(ctx, v); err != nil {
		return nil, err
	}
	fromFlags, err := commandline.ParseContextSettings(ctx, flagSettings)
	if err != nil {
		return nil, err
	}
	paramsSet = append(paramsSet, fromFlags...)
	if err = msnmt.UpdateModelOptions(ctx); err != nil {
		return nil, err
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	return paramsSet, nil
}

// newBackend creates the backend set with --backend or $GOMLX_BACKEND. If neither is set, it creates the
// one serving the device the options ask for.
func newBackend(opts *msnmt.Options) backends.Backend {
	if flagBackend != "" {
		return must.M1(backends.NewWithConfig(flagBackend))
	}
	if _, found := os.LookupEnv(backends.ConfigEnvVar); found {
		return must.M1(backends.New())
	}
	return must.M1(backends.NewWithConfig(msnmt.ResolveDevice(msnmt.UseGPU(opts), opts.GPU).BackendConfig()))
}

func sourceTypes() []string {
	sources := make([]string, 0, len(flagSources))
	for _, source := range flagSources {
		if source = strings.TrimSpace(source); source != "" {
			sources = append(sources, source)
		}
	}
	return sources
}

func build(ctx *context.Context, vocabPath, outDir string) error {
	if _, err := configureContext(ctx); err != nil {
		return err
	}
	opts, err := msnmt.OptionsFromContext(ctx)
	if err != nil {
		return err
	}
	vocabFile, err := vocab.ReadFile(vocabPath)
	if err != nil {
		return err
	}
	fields := vocabFile.Resolve(opts.DataType, opts.CopyAttn)

	backend := newBackend(opts)
	start := time.Now()
	model, err := msnmt.BuildModel(backend, ctx, sourceTypes(), fields, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Model built in %s (%s), backend %s:\n%s\n",
		commandline.FormatDuration(time.Since(start)), &model.Init, backend.Name(), model)
	if outDir != "" {
		if err = model.Save(outDir, fields); err != nil {
			return err
		}
		fmt.Printf("Model saved to %q\n", outDir)
	}
	return nil
}

func load(ctx *context.Context, modelDir string) error {
	if _, err := configureContext(ctx); err != nil {
		return err
	}
	runtimeOpts, err := msnmt.OptionsFromContext(ctx)
	if err != nil {
		return err
	}
	backend := newBackend(runtimeOpts)
	start := time.Now()
	fields, model, opts, err := msnmt.LoadTestModel(backend, ctx, sourceTypes(), modelDir)
	if err != nil {
		return err
	}
	fmt.Printf("Model loaded from %q in %s (%s), %d vocabulary fields, backend %s:\n%s\n",
		modelDir, commandline.FormatDuration(time.Since(start)), &model.Init, len(fields), backend.Name(), model)
	klog.V(1).Infof("model options:\n%s", opts)
	return nil
}
