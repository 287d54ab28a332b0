// pipelined is the operator CLI for the video pipeline: job inspection,
// checkpoint listing, replay planning, and render dispatch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/viniciusai/pipeline-go/internal/config"
	"github.com/viniciusai/pipeline-go/pipeline"
	"github.com/viniciusai/pipeline-go/pipeline/render"
	"github.com/viniciusai/pipeline-go/pipeline/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	logger  *log.Logger
	jobs    store.JobStore
	ckpts   store.CheckpointLog
	cleanup func() error
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "pipelined",
		Short:         "Video pipeline orchestrator tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.LogLevel)
			return a.openStore()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.cleanup != nil {
				return a.cleanup()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "pipeline.yaml", "config file path")

	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newCheckpointsCmd(a))
	root.AddCommand(newReplayPlanCmd(a))
	root.AddCommand(newRenderCmd(a))
	return root
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if parsed, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return logger
}

func (a *app) openStore() error {
	switch a.cfg.Store.Backend {
	case "memory":
		mem := store.NewMemStore()
		a.jobs, a.ckpts = mem, mem
	case "sqlite":
		s, err := store.NewSQLiteStore(a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.jobs, a.ckpts, a.cleanup = s, s, s.Close
	case "mysql":
		s, err := store.NewMySQLStore(a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.jobs, a.ckpts, a.cleanup = s, s, s.Close
	case "postgres":
		s, err := store.NewPostgresStore(a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.jobs, a.ckpts, a.cleanup = s, s, s.Close
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	return nil
}

// engine builds an inspection engine over the configured store. The registry
// carries no step bodies; commands that only read state do not need them.
func (a *app) engine() (*pipeline.Engine, error) {
	return pipeline.NewEngine(pipeline.Config{
		Registry:    pipeline.NewRegistry(a.logger),
		Store:       a.jobs,
		Checkpoints: a.ckpts,
		Logger:      a.logger,
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's step tracking and timings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			info, err := eng.GetDebugInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

func newCheckpointsCmd(a *app) *cobra.Command {
	var withState bool
	cmd := &cobra.Command{
		Use:   "checkpoints <job-id>",
		Short: "List a job's checkpoint log in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.ckpts.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, entry := range entries {
				line := fmt.Sprintf("%s  %-24s %s", entry.CreatedAt.Format("2006-01-02 15:04:05"),
					entry.StepName, entry.Direction)
				cmd.Println(line)
				if withState {
					cmd.Println(string(entry.State))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withState, "state", false, "include each checkpoint's state payload")
	return cmd
}

func newReplayPlanCmd(a *app) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "replay-plan <job-id> <from-step>",
		Short: "Reconstruct state at a step and show what a replay would run",
		Long: "Validates the modifications, rebuilds the job state as it was before " +
			"from-step, and prints the replay plan without executing anything.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, target := args[0], args[1]
			mods, err := parseModifications(sets)
			if err != nil {
				return err
			}

			replayer := pipeline.NewReplayer(pipeline.NewRegistry(a.logger), a.jobs, a.ckpts,
				pipeline.StepsFull, a.logger)
			st, steps, err := replayer.PrepareReplay(cmd.Context(), jobID, target, mods)
			if err != nil {
				return err
			}
			estimate, _ := replayer.EstimateReplayTime(target)

			stateMap, err := st.ToMap()
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"job_id":            jobID,
				"steps_to_run":      steps,
				"estimated_seconds": int(estimate.Seconds()),
				"modifications":     mods,
				"state":             stateMap,
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "state modification as path=json-value (repeatable)")
	return cmd
}

// parseModifications turns --set path=value flags into a modification map.
// Values parse as JSON, falling back to plain strings.
func parseModifications(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	mods := make(map[string]any, len(sets))
	for _, raw := range sets {
		path, value, ok := strings.Cut(raw, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --set %q, want path=value", raw)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		mods[path] = parsed
	}
	return mods, nil
}

func newRenderCmd(a *app) *cobra.Command {
	var payloadPath, userID, projectID, phase string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Dispatch a render payload with the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var payload render.Payload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
			return a.dispatchRender(cmd.Context(), cmd, payload, userID, projectID, phase)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "render payload JSON file")
	cmd.Flags().StringVar(&userID, "user", "", "user id for the upload path")
	cmd.Flags().StringVar(&projectID, "project", "", "project id for the upload path")
	cmd.Flags().StringVar(&phase, "phase", "phase_1", "render phase for versioning")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func (a *app) dispatchRender(ctx context.Context, cmd *cobra.Command, payload render.Payload, userID, projectID, phase string) error {
	rc := a.cfg.Render
	workers := make([]*render.Worker, 0, len(rc.Workers))
	for _, w := range rc.Workers {
		workers = append(workers, render.NewWorker(w.Name, w.URL))
	}

	var signer render.Signer
	if rc.SignEndpoint != "" {
		signer = render.NewServiceSigner(rc.SignEndpoint)
	}

	switch rc.Mode {
	case "pool":
		pool := render.NewWorkerPool(workers, render.NewConcatClient(rc.ConcatURL), nil,
			render.PoolConfig{RotationOffset: rc.RotationOffset}, a.logger)
		url, err := pool.Dispatch(ctx, payload, render.UploadPlan{
			UserID: userID, ProjectID: projectID, JobID: payload.JobID(), Phase: phase,
		})
		if err != nil {
			return err
		}
		cmd.Println(url)
		return nil

	case "single_job":
		pool := render.NewSingleJobPool(workers, a.logger)
		worker, err := pool.Submit(ctx, payload)
		if err != nil {
			return err
		}
		cmd.Printf("accepted by %s, awaiting webhook\n", worker.Name)
		return nil

	case "cloud":
		cloud := render.NewCloudDispatcher(rc.CloudFuncURL, rc.WebhookURL, signer, a.logger)
		if err := cloud.Dispatch(ctx, payload); err != nil {
			return err
		}
		cmd.Println("accepted by cloud function, awaiting webhook")
		return nil

	default: // sync or async single-backend
		if len(workers) == 0 {
			return fmt.Errorf("render mode %q requires a configured worker", rc.Mode)
		}
		var renewer *render.URLRenewer
		if signer != nil && rc.CDNHost != "" {
			renewer = render.NewURLRenewer(signer, rc.CDNHost, render.CrossServiceURLTTL, a.logger)
		}
		d := render.NewDispatcher(workers[0], renewer, nil, a.logger)
		if rc.Mode == "async" {
			d.Mode = render.ModeAsync
			d.WebhookURL = rc.WebhookURL
		}
		res, err := d.Dispatch(ctx, payload, userID, projectID, phase)
		if err != nil {
			return err
		}
		if res.Processing {
			cmd.Println("processing, awaiting webhook")
		} else {
			cmd.Println(res.OutputURL)
		}
		return nil
	}
}
