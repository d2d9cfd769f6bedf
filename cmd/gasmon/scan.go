package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/freshsense/gasmon/internal/scanner"
	"github.com/freshsense/gasmon/internal/transport"
	"github.com/freshsense/gasmon/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for spoilage sensors",
	Long: `Scan for nearby spoilage gas sensors and display them.

By default only devices that look like spoilage sensors are shown,
matched by advertised name or the sensor service UUID. Use --unfiltered
to list every BLE device in range instead.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanUnfiltered bool
	scanHints      []string
	scanBlockList  []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanUnfiltered, "unfiltered", "u", false, "Show all BLE devices, not just spoilage sensors")
	scanCmd.Flags().StringSliceVar(&scanHints, "hints", nil, "Extra name fragments that identify a sensor")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tr, err := transport.Factory(logger)
	if err != nil {
		return fmt.Errorf("failed to initialise BLE transport: %w", err)
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = scanDuration
	opts.Unfiltered = scanUnfiltered
	opts.ServiceUUID = cfg.Scan.ServiceUUID
	opts.BlockList = scanBlockList
	if len(cfg.Scan.NameHints) > 0 {
		opts.NameHints = cfg.Scan.NameHints
	}
	opts.NameHints = append(opts.NameHints, scanHints...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := newCountdownPrinter("Scanning for spoilage sensors", scanDuration)
	progress.Start()

	s := scanner.NewScanner(logger)
	discoveries, err := s.Scan(ctx, tr, opts)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if scanFormat == "json" {
		return displayDiscoveriesJSON(os.Stdout, discoveries)
	}
	return displayDiscoveriesTable(os.Stdout, discoveries)
}

func displayDiscoveriesTable(out io.Writer, discoveries []scanner.Discovery) error {
	if len(discoveries) == 0 {
		fmt.Fprintln(out, "No spoilage sensors discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 70))

	for _, d := range discoveries {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}

		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\t%s ago\n",
			color.CyanString("%d", d.ID), name, d.Address, d.RSSI, lastSeen)
	}

	return w.Flush()
}

func displayDiscoveriesJSON(out io.Writer, discoveries []scanner.Discovery) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(discoveries)
}

// loadConfig reads the YAML config named by --config, falling back to
// built-in defaults when the flag is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.New(), nil
	}
	return config.Load(path)
}
