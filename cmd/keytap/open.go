package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/keytap/internal/alert"
	"github.com/srg/keytap/internal/export"
	"github.com/srg/keytap/internal/session"
	"github.com/srg/keytap/internal/store"
	"github.com/srg/keytap/pkg/config"
)

var openCmd = &cobra.Command{
	Use:   "open [token]",
	Short: "Deliver an identity token to the nearest access point",
	Long: `Scans for an access point advertising the token service, connects to the
first one found, writes the token and disconnects once the write was
acknowledged.

The token is either given as an argument or taken from a stored profile.

Examples:
  keytap open 550e8400-e29b-41d4-a716-446655440000
  keytap open --profile front-door
  keytap open --profile front-door --retries 2 --export run.cbor`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOpen,
}

var (
	openProfile        string
	openRawToken       bool
	openRetries        int
	openExport         string
	openService        string
	openChar           string
	openAddress        string
	openScanTimeout    time.Duration
	openConnectTimeout time.Duration
	openWriteTimeout   time.Duration
	openSettleDelay    time.Duration
	openNoReconnect    bool
	openNoBell         bool
)

func init() {
	f := openCmd.Flags()
	f.StringVarP(&openProfile, "profile", "p", "", "Use a stored profile")
	f.BoolVar(&openRawToken, "raw-token", false, "Send the token as-is instead of requiring a UUID")
	f.IntVar(&openRetries, "retries", 0, "Retry retryable failures this many times")
	f.StringVar(&openExport, "export", "", "Write the event log to a file (.cbor for binary, text otherwise)")
	f.StringVar(&openService, "service", "", "Token service UUID")
	f.StringVar(&openChar, "char", "", "Token characteristic UUID")
	f.StringVar(&openAddress, "address", "", "Only accept the peripheral with this address")
	f.DurationVar(&openScanTimeout, "scan-timeout", 0, "Scan timeout")
	f.DurationVar(&openConnectTimeout, "connect-timeout", 0, "Connect and discovery timeout")
	f.DurationVar(&openWriteTimeout, "write-timeout", 0, "Token write timeout")
	f.DurationVar(&openSettleDelay, "settle-delay", 0, "Delay between the acknowledged write and the disconnect")
	f.BoolVar(&openNoReconnect, "no-reconnect", false, "Do not reconnect after an unexpected disconnect")
	f.BoolVar(&openNoBell, "no-bell", false, "Do not ring the terminal bell")
}

// openTarget is what one run delivers and to which peripheral.
type openTarget struct {
	token   string
	profile string
	opts    session.Options
}

func resolveOpenTarget(cmd *cobra.Command, cfg *config.Config, args []string) (*openTarget, error) {
	target := &openTarget{opts: cfg.SessionOptions()}

	if openProfile != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: pass either a token or --profile, not both", ErrInvalidArgs)
		}
		profiles, err := openProfileStore(cfg)
		if err != nil {
			return nil, err
		}
		p, err := profiles.Get(openProfile)
		if err != nil {
			return nil, err
		}
		token, err := profiles.Token(openProfile)
		if err != nil {
			return nil, err
		}
		target.token = token
		target.profile = p.Name
		target.opts.ServiceUUID = p.ServiceUUID
		target.opts.CharacteristicUUID = p.CharacteristicUUID
		target.opts.AddressFilter = p.Address
	} else {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: a token or --profile is required", ErrInvalidArgs)
		}
		token, err := validateToken(args[0], openRawToken)
		if err != nil {
			return nil, err
		}
		target.token = token
	}

	flags := cmd.Flags()
	if flags.Changed("service") {
		target.opts.ServiceUUID = openService
	}
	if flags.Changed("char") {
		target.opts.CharacteristicUUID = openChar
	}
	if flags.Changed("address") {
		target.opts.AddressFilter = openAddress
	}
	if flags.Changed("scan-timeout") {
		target.opts.ScanTimeout = openScanTimeout
	}
	if flags.Changed("connect-timeout") {
		target.opts.ConnectTimeout = openConnectTimeout
	}
	if flags.Changed("write-timeout") {
		target.opts.WriteTimeout = openWriteTimeout
	}
	if flags.Changed("settle-delay") {
		target.opts.SettleDelay = openSettleDelay
	}
	if openRetries < 0 {
		return nil, fmt.Errorf("%w: --retries cannot be negative", ErrInvalidArgs)
	}

	if err := target.opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return target, nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	target, err := resolveOpenTarget(cmd, cfg, args)
	if err != nil {
		return err
	}

	// Arguments are valid, runtime errors should not print usage
	cmd.SilenceUsage = true

	transport, release, err := transportFactory(logger)
	if err != nil {
		return err
	}
	defer release()

	m, err := session.NewMachine(transport, target.opts, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	m.SetAutoReconnect(cfg.AutoReconnect && !openNoReconnect)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	colored := cfg.Color && isTerminal(out)
	outcome, runErr := runOpenSequence(ctx, m, target.token, openRetries, newPrinter(out, colored))

	recordHistory(cfg, target, outcome, logger)

	if openExport != "" {
		if err := export.WriteFile(openExport, outcome.entries); err != nil {
			return fmt.Errorf("failed to export event log: %w", err)
		}
		fmt.Fprintf(out, "Event log written to %s\n", openExport)
	}

	if runErr != nil {
		return runErr
	}

	alerter := alert.New(out, !openNoBell, colored)
	if outcome.delivered {
		alerter.Success(fmt.Sprintf("Token delivered to %s", outcome.peripheral.DisplayName()))
		return nil
	}

	f := outcome.final.Failure
	if f == nil {
		alerter.Failure(fmt.Sprintf("Open stopped in %s", outcome.final))
		return fmt.Errorf("%w: stopped in %s", ErrOpenFailed, outcome.final)
	}
	alerter.Failure(fmt.Sprintf("Open failed: %s", f.Message))
	return fmt.Errorf("%w: %w", ErrOpenFailed, f)
}

// openOutcome summarizes a run across all of its attempts.
type openOutcome struct {
	started    time.Time
	finished   time.Time
	final      session.State
	delivered  bool
	peripheral session.Peripheral
	signal     int
	reconnects int
	attempts   int
	entries    []session.Entry
}

// runOpenSequence drives the machine until the token was delivered and the
// link released, or until the attempt failed and no retries are left.
// The outcome is never nil.
func runOpenSequence(ctx context.Context, m *session.Machine, token string, retries int, p *printer) (*openOutcome, error) {
	states, stopStates := m.SubscribeStates(64)
	defer stopStates()
	entries, stopEntries := m.Log().Subscribe(256)
	defer stopEntries()

	o := &openOutcome{started: time.Now(), signal: session.SignalUnknown}
	defer func() { o.finished = time.Now() }()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.ResetState()
			p.noticef("Retrying (%d of %d)", attempt, retries)
		}
		o.attempts++

		if err := m.BeginOpenSequence(token); err != nil {
			var f *session.Failure
			if !errors.As(err, &f) {
				return o, err
			}
			// the radio is unusable, retrying cannot help
			o.final = m.State()
			o.drain(entries, p)
			p.state(o.final)
			return o, nil
		}

		err := o.follow(ctx, m, states, entries, p)
		o.reconnects += m.Reconnects()
		if err != nil {
			m.ResetState()
			return o, err
		}

		f := o.final.Failure
		if o.final.Phase == session.Error && f != nil && f.Retryable && attempt < retries {
			continue
		}
		return o, nil
	}
}

// follow prints the attempt started by BeginOpenSequence until it ends.
// States published before the attempt entered Scanning are stale.
func (o *openOutcome) follow(ctx context.Context, m *session.Machine, states <-chan session.State, entries <-chan session.Entry, p *printer) error {
	started := false
	for {
		select {
		case <-ctx.Done():
			o.final = m.State()
			o.drain(entries, p)
			return ctx.Err()

		case e, ok := <-entries:
			if !ok {
				return session.ErrClosed
			}
			o.add(e, p)

		case st, ok := <-states:
			if !ok {
				return session.ErrClosed
			}
			if !started {
				if st.Phase != session.Scanning {
					continue
				}
				started = true
			}

			o.observe(m)
			// entries are published before the transition they lead to
			o.drain(entries, p)
			p.state(st)

			switch {
			case st.Phase == session.Success:
				o.delivered = true
			case st.Phase == session.Error, st.Phase == session.Idle && o.delivered:
				o.final = st
				return nil
			}
		}
	}
}

func (o *openOutcome) add(e session.Entry, p *printer) {
	o.entries = append(o.entries, e)
	p.entry(e)
}

func (o *openOutcome) drain(entries <-chan session.Entry, p *printer) {
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			o.add(e, p)
		default:
			return
		}
	}
}

func (o *openOutcome) observe(m *session.Machine) {
	if p, ok := m.Peripheral(); ok {
		o.peripheral = p
	}
	if s := m.Signal(); s != session.SignalUnknown {
		o.signal = s
	}
}

// historyRecord converts the outcome into a history record.
func historyRecord(target *openTarget, o *openOutcome) store.Record {
	r := store.Record{
		StartedAt:  o.started.UTC(),
		FinishedAt: o.finished.UTC(),
		Profile:    target.profile,
		Address:    o.peripheral.Address,
		Name:       o.peripheral.Name,
		Phase:      o.final.Phase.String(),
		Reconnects: o.reconnects,
	}
	if o.delivered {
		r.Phase = session.Success.String()
	}
	if f := o.final.Failure; f != nil {
		r.ErrorKind = f.Kind.String()
		r.ErrorMessage = f.Error()
	}
	if o.signal != session.SignalUnknown {
		rssi := o.signal
		r.Signal = &rssi
	}
	return r
}

// recordHistory appends the outcome to the history file. Failures are logged,
// they never fail the run.
func recordHistory(cfg *config.Config, target *openTarget, o *openOutcome, logger *logrus.Logger) {
	history, err := openHistoryStore(cfg)
	if err == nil {
		_, err = history.Append(historyRecord(target, o))
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to record history")
	}
}
