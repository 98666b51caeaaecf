package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mixsniff/config"
	"mixsniff/debug"
	"mixsniff/midi"
	"mixsniff/monitor"
	"mixsniff/sink"
	"mixsniff/theme"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	verbose := fs.Bool("v", false, "print suppressed messages too")
	logPath := fs.String("log", "", "write debug log to this file")
	fs.Parse(os.Args[2:])

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "list":
		err = listPorts()
	case "sniff":
		err = sniff(ctx, cfg, fs.Args(), *verbose)
	case "replay":
		err = replay(ctx, cfg, fs.Args(), *verbose)
	case "trigger":
		err = trigger(ctx, cfg)
	case "config":
		err = dumpConfig(cfg)
	default:
		usage()
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("mixsniff diagnostic commands")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list                 - List MIDI input and output ports")
	fmt.Println("  sniff [patterns...]  - Classify traffic on matching input ports")
	fmt.Println("  replay <files...>    - Run captured streams (.syx binary, .txt/.log hex) through the engine")
	fmt.Println("  trigger              - Send the configured request messages periodically")
	fmt.Println("  config               - Print the effective config as TOML")
	fmt.Println("")
	fmt.Println("Flags: -config path  -v (show suppressed)  -log path")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func newConsole(cfg *config.Config, verbose bool) *sink.Console {
	palette, err := theme.LoadOrDefault(cfg.Theme)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	console := sink.NewConsole(os.Stdout, theme.New(palette))
	console.ShowSuppressed = verbose
	return console
}

func listPorts() error {
	t := midi.NewRtMidi()
	fmt.Println("=== MIDI Input Ports ===")
	fmt.Printf("(waiting up to %s...)\n", t.ScanTimeout)
	ins, err := t.ListPorts()
	if errors.Is(err, midi.ErrScanTimeout) {
		fmt.Println("\nTIMEOUT! CoreMIDI is hung.")
		fmt.Println("Fix: sudo killall coreaudiod midiserver")
		return nil
	}
	if err != nil {
		return err
	}
	for i, p := range ins {
		fmt.Printf("  %d: %s\n", i, p.Name)
	}
	fmt.Println("\n=== MIDI Output Ports ===")
	for i, name := range t.OutPorts() {
		fmt.Printf("  %d: %s\n", i, name)
	}
	return nil
}

func sniff(ctx context.Context, cfg *config.Config, patterns []string, verbose bool) error {
	if len(patterns) == 0 {
		patterns = cfg.Ports
	}
	console := newConsole(cfg, verbose)
	mon := monitor.New(midi.NewRtMidi(), console, cfg.MonitorOptions())

	opened, err := mon.OpenMatching(patterns)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	for _, name := range opened {
		fmt.Printf("Sniffing %s\n", name)
	}
	if len(opened) == 0 {
		return fmt.Errorf("no input port matches %v: %w", patterns, monitor.ErrNoPorts)
	}
	fmt.Println("Listening... Ctrl+C to exit.")

	err = mon.Run(ctx)
	fmt.Println(console.Summary())
	return err
}

func replay(ctx context.Context, cfg *config.Config, files []string, verbose bool) error {
	if len(files) == 0 {
		return fmt.Errorf("replay needs at least one capture file")
	}
	t := midi.NewReplayTransport()
	var names []string
	for _, f := range files {
		names = append(names, t.AddFile(f))
	}

	console := newConsole(cfg, verbose)
	mon := monitor.New(t, console, cfg.MonitorOptions())
	if err := mon.Open(names...); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	err := mon.Run(ctx)
	fmt.Println(console.Summary())
	return err
}

func trigger(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Triggers) == 0 {
		return fmt.Errorf("no triggers configured")
	}

	var wg sync.WaitGroup
	for _, tc := range cfg.Triggers {
		t, err := tc.Trigger()
		if err != nil {
			return err
		}
		sender, err := midi.OpenSender(tc.Port)
		if err != nil {
			fmt.Printf("Warning: %s: %v\n", tc.Name, err)
			continue
		}
		fmt.Printf("Sending %s to %s every %s\n", t.Name, sender.Name(), t.Interval)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sender.Close()
			sent, failed := monitor.RunTrigger(ctx, sender, t)
			fmt.Printf("%s: sent=%d failed=%d\n", t.Name, sent, failed)
		}()
	}
	wg.Wait()
	return nil
}

func dumpConfig(cfg *config.Config) error {
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
