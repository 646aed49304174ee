package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/gauge/internal/cycle"
	"github.com/tinytelemetry/gauge/internal/sink"
)

func printStartupBanner(cfg appConfig, sinks *sink.Multi, sources []cycle.Source) {
	fmt.Println(renderBanner(cfg, sinks, sources))
}

func renderBanner(cfg appConfig, sinks *sink.Multi, sources []cycle.Source) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╦ ╦╔═╗╔═╗
    ║ ╦╠═╣║ ║║ ╦║╣
    ╚═╝╩ ╩╚═╝╚═╝╚═╝`)

	separator := dim.Render("    ─────────────────────────────────")
	row := func(mark, label, value string) string {
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Sources"), "")
	for _, src := range sources {
		fields := strings.Join(src.Config.FieldNames(), ", ")
		lines = append(lines, row(check, src.Config.Measurement(), dim.Render(fields)))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Sampling"), "")
	lines = append(lines, row(check, "Interval", cyan.Render(cfg.SampleInterval().String())))
	lines = append(lines, row(check, "Samples", cyan.Render(fmt.Sprintf("%d per cycle", cfg.SampleCount))))
	if cfg.CycleTimeoutMS > 0 {
		lines = append(lines, row(check, "Timeout", cyan.Render(cfg.CycleTimeout().String())))
	} else {
		lines = append(lines, row(dot, "Timeout", dim.Render("none")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Sinks"), "")
	for _, s := range sinks.Sinks() {
		lines = append(lines, row(check, s.Name(), dim.Render(sinkDetail(cfg, s.Name()))))
	}
	if cfg.Journal.Enabled {
		lines = append(lines, row(check, "Journal", dim.Render(shortenPath(cfg.Journal.Path))))
	} else {
		lines = append(lines, row(dot, "Journal", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.API.Enabled {
		lines = append(lines, row(check, "HTTP API", cyan.Render(cfg.API.Addr)))
	} else {
		lines = append(lines, row(dot, "HTTP API", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")
	return strings.Join(lines, "\n")
}

func sinkDetail(cfg appConfig, name string) string {
	switch name {
	case "duckdb":
		d := shortenPath(cfg.Sinks.DuckDB.Path)
		if days := cfg.Sinks.DuckDB.RetentionDays; days > 0 {
			d += fmt.Sprintf(" (%dd retention)", days)
		}
		return d
	case "sqlite":
		return shortenPath(cfg.Sinks.SQLite.Path)
	case "postgres":
		return "table " + cfg.Sinks.Postgres.Table
	case "influx":
		return cfg.Sinks.Influx.Host + " / " + cfg.Sinks.Influx.Bucket
	case "otlp":
		return cfg.Sinks.OTLP.Endpoint
	case "log":
		return "no database configured"
	}
	return ""
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
