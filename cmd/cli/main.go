package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/kiln/config"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/setup"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &cli{levelVar: &levelVar, stderr: os.Stderr}
	app.logger = logging.NewCLI(app.stderr, app.levelVar)
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(app).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err, "kind", string(build.KindOf(err)))
		os.Exit(1)
	}
}

// cli carries the state resolved by the root command before any subcommand runs.
type cli struct {
	levelVar *slog.LevelVar
	stderr   io.Writer
	logger   *slog.Logger
	config   config.Config
}

func newRootCommand(app *cli) *cobra.Command {
	var (
		logLevel   string
		logFormat  string
		configPath string
	)

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "CLI for 'kiln': reproducible minimal runtime images for compiled services",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log verbosity (debug, info, warning, error); defaults to the configured level")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Set log format (cli, text, json); defaults to the configured format")
	root.PersistentFlags().StringVar(&configPath, "config", setup.ConfigPath(), "Path to the configuration file")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}

		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(cfg.LogFormat)
		if err != nil {
			return err
		}
		app.levelVar.Set(level)
		app.logger = logging.New(mode, app.stderr, app.levelVar)
		slog.SetDefault(app.logger)
		setup.SetLogger(logging.Component(app.logger, "setup"))

		app.config = cfg
		return nil
	}

	root.AddCommand(
		newBuildCommand(app),
		newRenderCommand(app),
		newListCommand(app),
		newInspectCommand(app),
		newSetupCommand(app),
	)
	return root
}

func verifySetup(logger *slog.Logger, cfg config.Config) error {
	logger = logger.With("action", "verify_setup")
	logger.Info("verifying setup state")
	if err := setup.Verify(cfg.Docker); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'kiln setup' to initialize the configuration")
		return err
	}
	logger.Info("setup verification succeeded")
	return nil
}

func newBuildCommand(app *cli) *cobra.Command {
	var (
		profile   string
		sourceDir string
		tag       string
		rebuild   bool
		noAudit   bool
	)

	cmd := &cobra.Command{
		Use:   "build <spec-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Build and verify a runtime image for the specified specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := strings.TrimSpace(args[0])
			if specID == "" {
				return fmt.Errorf("specification is required")
			}

			cmdLogger := app.logger.With("command", "build", "specification", specID)
			if err := verifySetup(cmdLogger, app.config); err != nil {
				return err
			}

			request := build.BuildRequest{
				SpecificationID: specID,
				Profile:         profile,
				SourceDir:       sourceDir,
				Tag:             tag,
				RequestedAt:     time.Now().UTC(),
				Rebuild:         rebuild,
				Audit:           !noAudit,
			}

			cmdLogger.Info("starting build", "profile", profile, "source", sourceDir, "rebuild", rebuild)
			runtimeImage, err := config.BuildWithLogger(cmd.Context(), app.config, request, cmdLogger)
			if err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}

			cmdLogger.Info("build completed", "reference", runtimeImage.Reference, "version", runtimeImage.Version)
			fmt.Fprintln(cmd.OutOrStdout(), runtimeImage.Reference)
			return nil
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Build profile; defaults to the specification's default profile")
	cmd.Flags().StringVar(&sourceDir, "source", "", "Source tree to build; defaults to the specification's source")
	cmd.Flags().StringVar(&tag, "tag", "", "Image reference to produce; defaults to kiln/<spec>:<version>-<profile>")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Ignore cached layers and refresh base images")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "Skip the exported filesystem audit")

	return cmd
}

func newRenderCommand(app *cli) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "render <spec-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the Dockerfile a build would use without building",
		RunE: func(cmd *cobra.Command, args []string) error {
			dockerfile, err := config.Render(app.config, strings.TrimSpace(args[0]), profile)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dockerfile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Build profile; defaults to the specification's default profile")

	return cmd
}

func newListCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available specifications and whether they have a built image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "list")

			statuses, err := config.List(cmd.Context(), app.config)
			if err != nil {
				cmdLogger.Error("listing specifications failed", "error", err)
				return err
			}
			if len(statuses) == 0 {
				cmdLogger.Warn("no specifications available", "spec_dir", app.config.SpecDir)
				return nil
			}

			out := cmd.OutOrStdout()
			for _, status := range statuses {
				spec := status.Specification
				fmt.Fprintf(out, "%s\t%s\t%s\t(built: %t)\n", spec.ID, spec.Version, spec.Toolchain.Kind, status.Latest != nil)
			}

			cmdLogger.Debug("listed specifications", "count", len(statuses))
			return nil
		},
	}
}

func newInspectCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <spec-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the most recent image built for the specified specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := strings.TrimSpace(args[0])
			latest, err := config.Inspect(cmd.Context(), app.config, specID)
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("no image built for %s", specID)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reference:\t%s\n", latest.Reference)
			fmt.Fprintf(out, "image id:\t%s\n", latest.ImageID)
			fmt.Fprintf(out, "specification:\t%s@%s\n", latest.SpecificationID, latest.SpecificationVersion)
			fmt.Fprintf(out, "profile:\t%s\n", latest.Profile)
			fmt.Fprintf(out, "version:\t%s\n", latest.Version)
			fmt.Fprintf(out, "created:\t%s\n", latest.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "archive:\t%s\n", latest.Archive.URI)
			for _, companion := range latest.CompanionArtifacts {
				fmt.Fprintf(out, "companion:\t%s\n", companion.URI)
			}
			return nil
		},
	}
}

func newSetupCommand(app *cli) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize the configuration and storage directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := app.logger.With("command", "setup")

			alreadyConfigured := setup.Verify(app.config.Docker) == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("system already configured", "hint", "use 'kiln setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				cmdLogger.Info("clearing existing configuration", "configured", alreadyConfigured)
				if err := setup.ClearConfig(); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			data, err := app.config.Encode()
			if err != nil {
				return err
			}
			written, err := setup.WriteConfig(data, clearConfig)
			if err != nil {
				cmdLogger.Error("write configuration failed", "error", err)
				return fmt.Errorf("write configuration: %w", err)
			}
			if written {
				cmdLogger.Info("configuration written", "path", setup.ConfigPath())
			}

			return verifySetup(cmdLogger, app.config)
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove existing setup configuration before initializing")

	return cmd
}
