package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"mixsniff/config"
	"mixsniff/debug"
	"mixsniff/midi"
	"mixsniff/monitor"
	"mixsniff/theme"
	"mixsniff/tui"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/mixsniff/config.toml)")
	logPath := flag.String("log", "", "write debug log to this file")
	flag.Parse()

	if *logPath != "" {
		if err := debug.Enable(*logPath); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer debug.Disable()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// Load theme
	palette, err := theme.LoadOrDefault(cfg.Theme)
	if err != nil {
		debug.Warn("theme", "%v", err)
	}
	th := theme.New(palette)

	patterns := cfg.Ports
	if flag.NArg() > 0 {
		patterns = flag.Args()
	}

	feed := tui.NewFeed(1024)
	mon := monitor.New(midi.NewRtMidi(), feed, cfg.MonitorOptions())
	opened, err := mon.OpenMatching(patterns)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	if len(opened) == 0 {
		fmt.Printf("Error: no input port matches %v\n", patterns)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- mon.Run(ctx)
	}()

	m := tui.NewModel(mon, feed, th, done)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	cancel()
	mon.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
