package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mbox-dmarc/archive"
	"github.com/dhcgn/mbox-dmarc/output"
)

// EnvPrefix is prepended to every environment override, e.g. MBOX_DMARC_COLOR.
const EnvPrefix = "MBOX_DMARC"

// Config captures all options required to extract reports.
type Config struct {
	LogLevel           string
	LogDir             string
	Color              output.ColorMode
	Save               bool
	OutputDir          string
	OrdinalBase        int
	IncludeExpunged    bool
	MaxReportBytes     int64
	AttachmentPatterns []string
}

// RegisterFlags attaches the extraction flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML config file with the same keys as the flags")
	flags.String("log-level", "warn", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.BoolP("verbose", "v", false, "Log INFO level messages")
	flags.BoolP("debug", "D", false, "Log DEBUG level messages. Overrides --verbose")
	flags.String("color", string(output.ColorAuto), "Colorize output: never, always, auto")
	flags.Bool("save", false, "Save the XML report(s) instead of printing them. Fails if the file exists")
	flags.String("output-dir", ".", "Directory for --save")
	flags.Int("ordinal-base", 1, "Number of the first message in a folder (0 or 1)")
	flags.Bool("include-expunged", false, "Count deleted but not yet compacted messages")
	flags.Int64("max-report-bytes", archive.DefaultMaxReportBytes, "Upper bound for a decompressed report")
	flags.StringArray("attachment-pattern", nil, "Extra regex matched against attachment filenames")
	return nil
}

// LoadConfig merges flags, MBOX_DMARC_* environment variables and the optional
// config file into a validated Config. Explicit flags win over the environment,
// which wins over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}
	switch {
	case v.GetBool("debug"):
		logLevel = "debug"
	case v.GetBool("verbose"):
		logLevel = "info"
	}

	color, err := output.ParseColorMode(v.GetString("color"))
	if err != nil {
		return Config{}, fmt.Errorf("--color: %w", err)
	}

	outputDir := v.GetString("output-dir")
	if outputDir == "" {
		outputDir = "."
	}

	cfg := Config{
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		Color:              color,
		Save:               v.GetBool("save"),
		OutputDir:          filepath.Clean(outputDir),
		OrdinalBase:        v.GetInt("ordinal-base"),
		IncludeExpunged:    v.GetBool("include-expunged"),
		MaxReportBytes:     v.GetInt64("max-report-bytes"),
		AttachmentPatterns: v.GetStringSlice("attachment-pattern"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	if cfg.OrdinalBase != 0 && cfg.OrdinalBase != 1 {
		return fmt.Errorf("--ordinal-base must be 0 or 1, got %d", cfg.OrdinalBase)
	}
	if cfg.MaxReportBytes <= 0 {
		return fmt.Errorf("--max-report-bytes must be positive")
	}
	return nil
}
