package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/gauge/internal/logging"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

func main() {
	flags := pflag.NewFlagSet("gauge", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file, JSON or YAML (default is ./config.json)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	showVersion := flags.Bool("version", false, "print version information")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("Gauge - Probe Telemetry Sampler\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Flush(log)

	if err := runServer(cfg, log); err != nil {
		logging.Flush(log)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// writeConfig dumps cfg as YAML with credentials masked.
func writeConfig(w io.Writer, cfg appConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
