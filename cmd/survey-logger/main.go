package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"survey-logger/survey"
	"survey-logger/telemetry"

	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	dbPath     string
	debug      bool
	trace      bool

	cfg      *survey.FileConfig
	store    *survey.Store
	tracker  *survey.Tracker
	notifier *survey.Notifier
	shutdown func(context.Context) error
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "survey-logger",
		Short:         "Tail game journals into a durable survey log",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file path.")
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "survey.db", "SQLite database path (overrides config.database).")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logs.")
	rootCmd.PersistentFlags().BoolVar(&a.trace, "trace", false, "Print trace spans to stdout.")

	rootCmd.AddCommand(
		watchCmd(a),
		importCmd(a),
		exportCmd(a),
		confirmCmd(a),
		nextCmd(a),
		resetCmd(a),
		newSessionCmd(a),
		statusCmd(a),
		verifyCmd(a),
	)

	if err := rootCmd.Execute(); err != nil {
		_ = a.close()
		log.Fatalf("%v", err)
	}
}

func (a *app) open(cmd *cobra.Command) error {
	a.cfg = &survey.FileConfig{}
	if a.configPath != "" {
		cfg, err := survey.LoadConfig(a.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}
	flags := cmd.Flags()
	if flags.Changed("db") || a.cfg.Database == "" {
		a.cfg.Database = a.dbPath
	}
	if flags.Changed("debug") {
		a.cfg.Debug = a.debug
	}
	if flags.Changed("trace") {
		a.cfg.Tracing.Enabled = a.trace
	}

	shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName: a.cfg.Tracing.Service,
		Stdout:      a.cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdown = shutdown

	tracks, err := survey.DefaultTracks().WithOverrides(a.cfg.Tracks)
	if err != nil {
		return err
	}
	store, err := survey.OpenStore(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.notifier = survey.NewNotifier()
	a.tracker = survey.NewTracker(store, tracks, a.notifier)
	return nil
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.shutdown(ctx)
		a.shutdown = nil
	}
	return err
}

func trackFlag(cmd *cobra.Command) (survey.Track, error) {
	s, _ := cmd.Flags().GetString("track")
	return survey.ParseTrack(s)
}

func addTrackFlag(cmd *cobra.Command) {
	cmd.Flags().String("track", string(survey.TrackRegularDensity), "Survey track: regular_density|logarithmic_density|boxel_size")
}

func watchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail the journal directory until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("journal-dir") {
				a.cfg.JournalDir, _ = flags.GetString("journal-dir")
			}
			if flags.Changed("poll-interval") {
				d, _ := flags.GetDuration("poll-interval")
				a.cfg.PollInterval = survey.Duration(d)
			}
			if flags.Changed("closed-poll-every") {
				a.cfg.ClosedPollEvery, _ = flags.GetInt("closed-poll-every")
			}
			if flags.Changed("max-batch-bytes") {
				a.cfg.MaxBatchBytes, _ = flags.GetInt64("max-batch-bytes")
			}
			w, err := survey.NewWatcher(a.store, a.cfg.Watcher(), a.notifier)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if once, _ := flags.GetBool("once"); once {
				stats, err := w.PollOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Println(stats)
				return nil
			}

			refresh := a.notifier.Subscribe()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-refresh:
						c, err := a.store.Context(ctx)
						if err != nil {
							continue
						}
						log.Printf("at %s (z-bin %s)", c.SystemName, fmtZBin(c.ZBin))
					}
				}
			}()
			return w.Run(ctx)
		},
	}
	cmd.Flags().String("journal-dir", "", "Journal directory (overrides config.journal_dir).")
	cmd.Flags().Duration("poll-interval", time.Second, "Polling interval.")
	cmd.Flags().Int("closed-poll-every", 30, "Re-check rotated-out files every N cycles.")
	cmd.Flags().Int64("max-batch-bytes", 4<<20, "Max bytes read per file per cycle.")
	cmd.Flags().Bool("once", false, "Run a single poll cycle and exit.")
	return cmd
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir|file>...",
		Short: "Import historical journal files without moving bookmarks or progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im := survey.NewImporter(a.store, a.notifier)
			var total survey.ImportReport
			for _, p := range args {
				var (
					r   survey.ImportReport
					err error
				)
				if st, statErr := os.Stat(p); statErr == nil && st.IsDir() {
					r, err = im.ImportDir(cmd.Context(), p)
				} else {
					r, err = im.ImportFile(cmd.Context(), p)
				}
				total.Add(r)
				if err != nil {
					return err
				}
			}
			fmt.Printf("files=%d lines=%d accepted=%d new=%d duplicates=%d ignored=%d rejected=%d\n",
				total.Files, total.Lines, total.Accepted, total.Inserted, total.Duplicates, total.Ignored, total.Rejected)
			for _, is := range total.Issues {
				fmt.Println(is)
			}
			return nil
		},
	}
}

func exportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export confirmed samples of one track as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := trackFlag(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" || out == "-" {
				_, err := survey.ExportSamplesCSV(cmd.Context(), a.store, os.Stdout, track)
				return err
			}
			n, err := survey.ExportSamplesFile(cmd.Context(), a.store, out, track)
			if err != nil {
				return err
			}
			log.Printf("exported %d samples to %s", n, out)
			return nil
		},
	}
	addTrackFlag(cmd)
	cmd.Flags().String("out", "", "Output file (default stdout).")
	return cmd
}

func confirmCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm one sample for a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := trackFlag(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			in := survey.SampleInput{Track: track}
			in.Session, _ = flags.GetInt("session")
			in.SystemName, _ = flags.GetString("system")
			in.Notes, _ = flags.GetString("notes")
			in.SourceSystems, _ = flags.GetStringSlice("source")
			if flags.Changed("z-bin") {
				v, _ := flags.GetInt("z-bin")
				in.ZBin = &v
			}
			if flags.Changed("system-count") {
				v, _ := flags.GetInt("system-count")
				in.SystemCount = &v
			}
			if flags.Changed("corrected-n") {
				v, _ := flags.GetInt("corrected-n")
				in.CorrectedN = &v
			}
			if flags.Changed("max-distance") {
				v, _ := flags.GetFloat64("max-distance")
				in.MaxDistance = &v
			}
			p, s, err := a.tracker.ConfirmSample(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Printf("sample %s: %s session=%d index=%d z-bin=%d completed=%d direction=%s\n",
				s.ID, track, p.Session, p.SampleIndex, s.ZBin, p.Completed, p.Direction)
			return printTarget(cmd, a, track)
		},
	}
	addTrackFlag(cmd)
	cmd.Flags().Int("session", 0, "Session the sample belongs to (0 = the open one).")
	cmd.Flags().Int("z-bin", 0, "Z-bin of the sample (default: current journal z-bin).")
	cmd.Flags().String("system", "", "Source system (default: current journal system).")
	cmd.Flags().StringSlice("source", nil, "Source system names, repeatable.")
	cmd.Flags().Int("system-count", 0, "Systems counted.")
	cmd.Flags().Int("corrected-n", 0, "Corrected count.")
	cmd.Flags().Float64("max-distance", 0, "Max distance of counted systems (ly).")
	cmd.Flags().String("notes", "", "Free text notes.")
	return cmd
}

func nextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next target z-bin of a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := trackFlag(cmd)
			if err != nil {
				return err
			}
			return printTarget(cmd, a, track)
		},
	}
	addTrackFlag(cmd)
	return cmd
}

func resetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Soft reset a track; samples are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := trackFlag(cmd)
			if err != nil {
				return err
			}
			if _, err := a.tracker.SoftReset(cmd.Context(), track); err != nil {
				return err
			}
			return printTarget(cmd, a, track)
		},
	}
	addTrackFlag(cmd)
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new-session",
		Short: "Close the open session; the next sample starts a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			track, err := trackFlag(cmd)
			if err != nil {
				return err
			}
			p, err := a.tracker.StartSession(cmd.Context(), track)
			if err != nil {
				return err
			}
			fmt.Printf("%s: next sample opens session %d\n", track, p.LastSession+1)
			return nil
		},
	}
	addTrackFlag(cmd)
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show journal context and progress of every track",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.store.Context(ctx)
			if err != nil {
				return err
			}
			n, err := a.store.CountEvents(ctx)
			if err != nil {
				return err
			}
			system := c.SystemName
			if system == "" {
				system = "-"
			}
			fmt.Printf("system=%s z-bin=%s body=%s events=%d\n", system, fmtZBin(c.ZBin), c.LastBody, n)
			chain, err := a.store.VerifySamples(ctx)
			if err != nil {
				return err
			}
			fmt.Println(chain)
			for _, tr := range survey.AllTracks {
				if err := printTarget(cmd, a, tr); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func verifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the sample hash chain for altered or missing rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.store.VerifySamples(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(r)
			if !r.Valid {
				return fmt.Errorf("sample chain is broken")
			}
			return nil
		},
	}
}

func printTarget(cmd *cobra.Command, a *app, track survey.Track) error {
	t, err := a.tracker.NextTarget(cmd.Context(), track)
	if err != nil {
		return err
	}
	state := fmt.Sprintf("%d/%d", t.Completed, t.Expected)
	if t.Done {
		state += " done"
	}
	fmt.Printf("%-20s next=%d %s step=%d session=%d index=%d %s phase=%s\n",
		track, t.ZBin, t.Arrow, t.Step, t.Session, t.SampleIndex, state, strings.ReplaceAll(string(t.Phase), "_", " "))
	return nil
}

func fmtZBin(z *int) string {
	if z == nil {
		return "-"
	}
	return fmt.Sprint(*z)
}
