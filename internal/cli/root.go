// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"modelvault/internal/tui"
	"modelvault/pkg/modeldl"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	AccessKey  string
	SecretKey  string
	Endpoint   string
	StorageDir string
	JSONOut    bool
	Quiet      bool
	Verbose    bool
	Config     string
	LogFile    string
	LogLevel   string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "modelvault",
		Short:         "Resumable, integrity-verified downloader for chunked model artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVar(&ro.AccessKey, "access-key", "", "Coordination service access key (also reads MODELVAULT_ACCESS_KEY env)")
	root.PersistentFlags().StringVar(&ro.SecretKey, "secret-key", "", "Coordination service secret key (also reads MODELVAULT_SECRET_KEY env)")
	root.PersistentFlags().StringVarP(&ro.Endpoint, "endpoint", "e", "", "Coordination service base URL (also reads MODELVAULT_ENDPOINT env)")
	root.PersistentFlags().StringVarP(&ro.StorageDir, "storage-dir", "o", "./models", "Directory holding downloaded artifacts")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal output)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	// Add commands
	downloadCmd := newDownloadCmd(ctx, ro)
	root.AddCommand(downloadCmd)
	root.AddCommand(newListCmd(ro))
	root.AddCommand(newStatusCmd(ro))
	root.AddCommand(newDeleteCmd(ro))
	root.AddCommand(newCleanupCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())

	// Make download the default command when no subcommand is given
	root.RunE = downloadCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var modelID string

	cmd := &cobra.Command{
		Use:   "download [MODEL_ID]",
		Short: "Download a model from the coordination service",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id := modelID
			if id == "" && len(args) > 0 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("missing MODEL_ID. Pass as positional arg or --model")
			}

			client, logger, err := newClient(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Progress mode selection
			var progress modeldl.ProgressFunc
			if ro.JSONOut {
				progress = jsonProgress(os.Stdout)
			} else if ro.Quiet {
				progress = nil
			} else {
				ui := tui.NewRenderer(id)
				defer ui.Close()
				progress = ui.Handler()
			}

			res, err := client.Download(ctx, id, progress)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(map[string]string{
					"event":        "done",
					"modelId":      id,
					"artifactPath": res.ArtifactPath,
					"metadataPath": res.MetadataPath,
				})
			}
			if ro.Quiet {
				fmt.Println(res.ArtifactPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model ID. If omitted, positional MODEL_ID is used")

	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// newClient resolves credentials, builds the logger, and returns a ready
// download client.
func newClient(ro *RootOpts) (*modeldl.Client, *zap.Logger, error) {
	logger, err := buildLogger(ro)
	if err != nil {
		return nil, nil, err
	}

	accessKey := strings.TrimSpace(ro.AccessKey)
	if accessKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("MODELVAULT_ACCESS_KEY"))
	}
	secretKey := strings.TrimSpace(ro.SecretKey)
	if secretKey == "" {
		secretKey = strings.TrimSpace(os.Getenv("MODELVAULT_SECRET_KEY"))
	}
	endpoint := strings.TrimSpace(ro.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("MODELVAULT_ENDPOINT"))
	}
	if endpoint == "" {
		return nil, nil, fmt.Errorf("missing endpoint. Pass --endpoint or set MODELVAULT_ENDPOINT")
	}

	client, err := modeldl.New(modeldl.Config{
		AccessKey:  accessKey,
		SecretKey:  secretKey,
		Endpoint:   endpoint,
		StorageDir: ro.StorageDir,
	}, modeldl.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func buildLogger(ro *RootOpts) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch {
	case ro.Verbose:
		level = zapcore.DebugLevel
	case ro.Quiet:
		level = zapcore.ErrorLevel
	default:
		if err := level.Set(strings.ToLower(ro.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", ro.LogLevel)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	if ro.LogFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, ro.LogFile)
	}
	return cfg.Build()
}

// applySettingsDefaults fills unset flags from the config file. CLI flags
// and environment variables take precedence.
func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		// Try JSON first, then YAML
		jsonPath := filepath.Join(home, ".config", "modelvault.json")
		yamlPath := filepath.Join(home, ".config", "modelvault.yaml")
		ymlPath := filepath.Join(home, ".config", "modelvault.yml")

		if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(ymlPath); err == nil {
			path = ymlPath
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName, envName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if envName != "" && os.Getenv(envName) != "" {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}

	setStr("endpoint", "MODELVAULT_ENDPOINT", func(v string) { ro.Endpoint = v })
	setStr("access-key", "MODELVAULT_ACCESS_KEY", func(v string) { ro.AccessKey = v })
	setStr("secret-key", "MODELVAULT_SECRET_KEY", func(v string) { ro.SecretKey = v })
	setStr("storage-dir", "", func(v string) { ro.StorageDir = v })
	setStr("log-level", "", func(v string) { ro.LogLevel = v })

	return nil
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) modeldl.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(p modeldl.DetailedProgress) {
		mu.Lock()
		_ = enc.Encode(p)
		mu.Unlock()
	}
}
