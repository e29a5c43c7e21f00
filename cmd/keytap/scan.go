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

	"github.com/spf13/cobra"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby access points",
	Long: `Scan for and display Bluetooth Low Energy peripherals in the vicinity.

By default only peripherals advertising the token service are listed;
--all lists every advertising peripheral.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanService   string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default scan_timeout from the configuration)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Filter by this service UUID instead of the token service")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every advertising peripheral")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show peripherals with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide peripherals with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("%w: invalid format '%s': must be one of [table json]", ErrInvalidArgs, scanFormat)
	}
	if scanAll && scanService != "" {
		return fmt.Errorf("%w: --all and --service are mutually exclusive", ErrInvalidArgs)
	}
	if scanDuration < 0 {
		return fmt.Errorf("%w: --duration cannot be negative", ErrInvalidArgs)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	opts := &scanner.ScanOptions{
		Duration:  cfg.ScanTimeout,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	switch {
	case scanAll:
	case scanService != "":
		if opts.ServiceUUID, err = device.ValidateServiceUUID(scanService); err != nil {
			return fmt.Errorf("%w: invalid service UUID: %w", ErrInvalidArgs, err)
		}
	default:
		opts.ServiceUUID = cfg.ServiceUUID
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, release, err := transportFactory(logger)
	if err != nil {
		return err
	}
	defer release()

	s, err := scanner.NewScanner(transport, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var callback scanner.ProgressCallback
	if isTerminal(out) && scanFormat == "table" {
		progress := NewCountdownProgressPrinter(out, "Scanning for access points", "Scanning", opts.Duration, "Processing results")
		progress.Start()
		defer progress.Stop()
		callback = progress.Callback()
	}

	sightings, err := s.Scan(ctx, opts, callback)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	if scanFormat == "json" {
		return displaySightingsJSON(out, sightings)
	}
	return displaySightingsTable(out, sightings)
}

func displaySightingsTable(out io.Writer, sightings []scanner.Sighting) error {
	if len(sightings) == 0 {
		fmt.Fprintln(out, "No access points discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tSEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, s := range sightings {
		name := s.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		short := make([]string, 0, len(s.Services))
		for _, u := range s.Services {
			short = append(short, device.ShortenUUID(u))
		}
		services := strings.Join(short, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%dx\n", name, s.Address, s.RSSI, services, s.Count)
	}

	return w.Flush()
}

func displaySightingsJSON(out io.Writer, sightings []scanner.Sighting) error {
	if sightings == nil {
		sightings = []scanner.Sighting{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(sightings)
}
