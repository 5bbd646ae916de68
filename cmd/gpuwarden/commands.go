package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/gpuwarden/internal/artifact"
	"github.com/terrpan/gpuwarden/internal/config"
	"github.com/terrpan/gpuwarden/internal/dispatch"
	"github.com/terrpan/gpuwarden/internal/instance"
	"github.com/terrpan/gpuwarden/internal/reaper"
	"github.com/terrpan/gpuwarden/internal/recovery"
	"github.com/terrpan/gpuwarden/internal/server"
	"github.com/terrpan/gpuwarden/internal/store"
)

// ---------------------------------------------------------------------------
// dispatch
// ---------------------------------------------------------------------------

var dispatchFlags struct {
	jobID       string
	payloadFile string
	ttl         time.Duration
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one job on the instance, starting it if needed",
	Long: `dispatch validates the job lease, makes sure the instance is running
and its service is ready, submits the payload and polls until the job
finishes or the lease expires.

The lease is normally created by whoever enqueued the job.  --ttl creates
it here instead, which is handy with the memory store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		payload, err := readPayload(dispatchFlags.payloadFile)
		if err != nil {
			return err
		}

		e, err := setup(ctx, "dispatch", (*config.Config).ValidateEngine)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		eng, err := e.cfg.NewEngine(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing engine: %w", err)
		}
		defer eng.Close()

		stores, err := e.cfg.NewStores(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		defer stores.Close()

		if dispatchFlags.ttl > 0 {
			deadline := time.Now().Add(dispatchFlags.ttl)
			if err := stores.Leases.Put(ctx, store.Lease{JobID: dispatchFlags.jobID, Deadline: deadline}); err != nil {
				return fmt.Errorf("creating lease: %w", err)
			}
		}

		client := e.cfg.NewServiceClient(e.logger)
		access := instance.New(eng, client, e.cfg.InstanceAccess(), nil, e.logger)
		d := dispatch.New(stores.Leases, stores.LastAccess, access, client, e.cfg.DispatchSettings(), nil, e.logger)

		outcome, err := d.Run(ctx, dispatch.Job{ID: dispatchFlags.jobID, Payload: payload})
		if err != nil {
			if dispatch.Retryable(err) {
				return fmt.Errorf("%w (retryable)", err)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), outcome)
		return nil
	},
}

// readPayload reads the job payload from path, or stdin for "-".
func readPayload(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload in %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

// ---------------------------------------------------------------------------
// reap
// ---------------------------------------------------------------------------

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Stop the instance if it has been idle longer than the threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, err := setup(ctx, "reap", (*config.Config).ValidateEngine, (*config.Config).ValidateReaper)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		eng, err := e.cfg.NewEngine(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing engine: %w", err)
		}
		defer eng.Close()

		stores, err := e.cfg.NewStores(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		defer stores.Close()

		r := reaper.New(eng, stores.LastAccess, e.cfg.Reaper.IdleThreshold, nil, e.logger)
		d, err := r.MaybeStop(ctx)
		if err != nil {
			return fmt.Errorf("idle check: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state=%s idle=%s stopped=%t\n", d.State, d.Idle.Round(time.Second), d.Stopped)
		return nil
	},
}

// ---------------------------------------------------------------------------
// recover
// ---------------------------------------------------------------------------

var recoverJobID string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Give back the tokens of a failed job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, err := setup(ctx, "recover", (*config.Config).ValidatePostgres)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		stores, err := e.cfg.NewStores(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		defer stores.Close()

		db, err := e.cfg.NewDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := recovery.New(db, stores.Leases, e.cfg.Recovery.Amount, e.logger).Recover(ctx, recoverJobID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	},
}

// ---------------------------------------------------------------------------
// artifact
// ---------------------------------------------------------------------------

var artifactFlags struct {
	bucket string
	key    string
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Bookkeeping for objects written to storage",
}

var artifactRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a generated output object against its job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, err := setup(ctx, "artifact record", (*config.Config).ValidatePostgres, (*config.Config).ValidateObjects)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		objects, err := e.cfg.NewObjectStore(e.logger)
		if err != nil {
			return err
		}
		db, err := e.cfg.NewDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := artifact.NewRecorder(db, objects, e.logger).Record(ctx, artifactFlags.bucket, artifactFlags.key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	},
}

var artifactEnforceCmd = &cobra.Command{
	Use:   "enforce-limit",
	Short: "Delete the oldest objects of a user beyond the configured limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, err := setup(ctx, "artifact enforce-limit", (*config.Config).ValidateObjects)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		objects, err := e.cfg.NewObjectStore(e.logger)
		if err != nil {
			return err
		}
		limiter, err := artifact.NewLimiter(objects, e.cfg.Objects.Limit, e.logger)
		if err != nil {
			return err
		}

		res, err := limiter.Enforce(ctx, artifactFlags.bucket, artifactFlags.key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "total=%d deleted=%d\n", res.Total, res.Deleted)
		return nil
	},
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept jobs over HTTP and reap the instance periodically",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, err := setup(ctx, "serve", (*config.Config).ValidateEngine, (*config.Config).ValidateReaper)
		if err != nil {
			return err
		}
		defer e.close(ctx)

		// ---------------------------------------------------------------
		// 1. Engine and store
		// ---------------------------------------------------------------
		eng, err := e.cfg.NewEngine(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing engine: %w", err)
		}
		defer eng.Close()

		stores, err := e.cfg.NewStores(ctx, e.logger)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		defer stores.Close()

		// ---------------------------------------------------------------
		// 2. Dispatcher and reaper
		// ---------------------------------------------------------------
		client := e.cfg.NewServiceClient(e.logger)
		access := instance.New(eng, client, e.cfg.InstanceAccess(), nil, e.logger)
		d := dispatch.New(stores.Leases, stores.LastAccess, access, client, e.cfg.DispatchSettings(), nil, e.logger)
		r := reaper.New(eng, stores.LastAccess, e.cfg.Reaper.IdleThreshold, nil, e.logger)

		// ---------------------------------------------------------------
		// 3. Token recovery (optional)
		// ---------------------------------------------------------------
		var recoverer server.Recoverer
		if e.cfg.Postgres.DSN != "" {
			db, err := e.cfg.NewDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			recoverer = recovery.New(db, stores.Leases, e.cfg.Recovery.Amount, e.logger)
		} else {
			e.logger.Warn("postgres.dsn not set, failed jobs will not be refunded")
		}

		// ---------------------------------------------------------------
		// 4. Run
		// ---------------------------------------------------------------
		srv := server.New(e.cfg.ServerSettings(), server.Deps{
			Leases:     stores.Leases,
			Dispatcher: d,
			Reaper:     r,
			Recoverer:  recoverer,
			Metrics:    e.telemetry.MetricsHandler,
		}, e.logger)

		if err := srv.Run(ctx); err != nil {
			return err
		}
		e.logger.Info("shut down gracefully", slog.String("addr", e.cfg.Server.Addr))
		return nil
	},
}

func init() {
	df := dispatchCmd.Flags()
	df.StringVar(&dispatchFlags.jobID, "job-id", "", "Job identifier (lease key)")
	df.StringVar(&dispatchFlags.payloadFile, "payload-file", "", `Path to the JSON payload, or "-" for stdin`)
	df.DurationVar(&dispatchFlags.ttl, "ttl", 0, "Create the job lease with this lifetime before dispatching")
	_ = dispatchCmd.MarkFlagRequired("job-id")
	_ = dispatchCmd.MarkFlagRequired("payload-file")

	recoverCmd.Flags().StringVar(&recoverJobID, "job-id", "", "Failed job identifier")
	_ = recoverCmd.MarkFlagRequired("job-id")

	af := artifactCmd.PersistentFlags()
	af.StringVar(&artifactFlags.bucket, "bucket", "", "Bucket of the object")
	af.StringVar(&artifactFlags.key, "key", "", "Object key")
	_ = artifactCmd.MarkPersistentFlagRequired("bucket")
	_ = artifactCmd.MarkPersistentFlagRequired("key")
	artifactCmd.AddCommand(artifactRecordCmd, artifactEnforceCmd)
}
