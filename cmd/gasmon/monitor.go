package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/freshsense/gasmon/internal/api"
	"github.com/freshsense/gasmon/internal/export"
	"github.com/freshsense/gasmon/internal/hub"
	"github.com/freshsense/gasmon/internal/reading"
	"github.com/freshsense/gasmon/internal/scanner"
	"github.com/freshsense/gasmon/internal/transport"
	"github.com/freshsense/gasmon/pkg/config"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to spoilage sensors and monitor them",
	Long: `Discover spoilage sensors, connect to each one and keep monitoring
until interrupted.

New sensors appearing later are picked up by periodic rescans. Failed
connections are retried with the configured attempt budget; sensors
that stay unreachable are dropped from the registry after a grace
period.

With api.listen configured the live registry is served over HTTP, and
with kafka.brokers configured every accepted reading is published to
the configured topic.`,
	RunE: runMonitor,
}

var monitorRescan time.Duration

func init() {
	monitorCmd.Flags().DurationVar(&monitorRescan, "rescan", 30*time.Second, "Interval between discovery scans (0 disables rescanning)")
	monitorCmd.Flags().Bool("quiet", false, "Suppress the live reading feed on stdout")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("invalid log level: %s", lvl)
		}
		logger.SetLevel(parsed)
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	tr, err := transport.Factory(logger)
	if err != nil {
		return fmt.Errorf("failed to initialise BLE transport: %w", err)
	}

	var opts []hub.Option
	if len(cfg.Kafka.Brokers) > 0 {
		exporter := export.NewKafkaExporter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer func() { _ = exporter.Close() }()
		opts = append(opts, hub.WithExporter(exporter))
		logger.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("Kafka export enabled")
	}

	h := hub.New(cfg, tr, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(ctx) }()

	if cfg.API.Listen != "" {
		srv := api.NewServer(cfg.API.Listen, h, logger)
		go func() {
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithField("error", err).Error("API server stopped")
			}
		}()
	}

	if !quiet {
		go printFeed(ctx, h.Events())
	}

	go discoveryLoop(ctx, h, tr, cfg, logger)

	<-ctx.Done()
	<-hubDone
	fmt.Println("\nMonitor stopped")
	return nil
}

// discoveryLoop scans for sensors and hands every new discovery to the
// hub. Already-registered addresses are excluded from each pass.
func discoveryLoop(ctx context.Context, h *hub.Hub, tr transport.Transport, cfg *config.Config, logger *logrus.Logger) {
	s := scanner.NewScanner(logger)

	scanOnce := func() {
		known, err := h.ConnectedAddresses(ctx)
		if err != nil {
			return
		}

		opts := scanner.DefaultScanOptions()
		opts.Duration = cfg.Scan.Duration
		opts.ServiceUUID = cfg.Scan.ServiceUUID
		opts.Unfiltered = cfg.Scan.Unfiltered
		opts.BlockList = known
		if len(cfg.Scan.NameHints) > 0 {
			opts.NameHints = cfg.Scan.NameHints
		}

		discoveries, err := s.Scan(ctx, tr, opts)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithField("error", err).Warn("Discovery scan failed")
			return
		}

		for _, d := range discoveries {
			logger.WithFields(logrus.Fields{
				"device_id": d.ID,
				"name":      d.Name,
				"address":   d.Address,
			}).Info("Sensor discovered")
			h.Connect(d.ID, d.Name, d.Address)
		}
	}

	scanOnce()
	if monitorRescan <= 0 {
		return
	}

	ticker := time.NewTicker(monitorRescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanOnce()
		}
	}
}

// printFeed renders hub events as a live one-line-per-event feed.
func printFeed(ctx context.Context, events <-chan hub.FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			printFeedEvent(ev)
		}
	}
}

func printFeedEvent(ev hub.FeedEvent) {
	stamp := time.Now().Format("15:04:05")
	label := ev.Name
	if label == "" {
		label = fmt.Sprintf("device %d", ev.DeviceID)
	}

	switch ev.Kind {
	case hub.FeedStateChanged:
		line := fmt.Sprintf("%s  %s  %s", stamp, label, ev.State)
		if ev.Err != "" {
			line += "  (" + ev.Err + ")"
		}
		fmt.Println(line)
	case hub.FeedReading:
		if ev.Reading == nil {
			return
		}
		r := ev.Reading
		fmt.Printf("%s  %s  %s  nh3=%.2f h2s=%.2f co2=%.0f ch4=%.2f  %.1f°C %.0f%%RH\n",
			stamp, label, stageColor(r.Stage), r.Gas.NH3, r.Gas.H2S, r.Gas.CO2, r.Gas.CH4,
			r.Temperature, r.Humidity)
	case hub.FeedDataError:
		fmt.Printf("%s  %s  %s  %s\n", stamp, label, color.RedString("bad payload"), ev.Err)
	case hub.FeedSessionRemoved:
		fmt.Printf("%s  %s  removed\n", stamp, label)
	}
}

func stageColor(stage reading.Stage) string {
	text := stage.String()
	switch stage {
	case reading.StageFresh:
		return color.GreenString(text)
	case reading.StageWarning:
		return color.YellowString(text)
	case reading.StageSpoiling:
		return color.MagentaString(text)
	case reading.StageSpoiled:
		return color.RedString(text)
	default:
		return text
	}
}
