package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/server"
	"phaseline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline tracks regulatory test cycles with versioned phase deliverables.
Core concepts:
- Workspace: your .phaseline directory holding the database; phaseline.yml configures cycles.
- Cycle: one regulatory test cycle (e.g. a quarterly FRY-14 run) that owns all phases.
- Phases: planning, scoping, data_profiling, sample_selection, request_info, test_execution, observation_mgmt.
- Versions: each phase deliverable is versioned; drafts are submitted for report-owner verdict and approval supersedes the prior current version. Nothing is ever deleted.
- Items: the rows inside a version (attributes, rules, samples, evidence) carrying tester and report-owner decisions.
- Carry-forward: a new draft starts from the approved items of its parent version.
- Compensation: failed phase activities retry per policy, then roll back, notify, or park for a human.
- Event log: diary of every change, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("cycle", "", "cycle id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("cycle", rootCmd.PersistentFlags().Lookup("cycle"))
}

func registerCommands() {
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Manage test cycles"}
	c.AddCommand(cycleInitCmd())
	c.AddCommand(cycleListCmd())
	c.AddCommand(cycleShowCmd())
	c.AddCommand(cycleUseCmd())
	return c
}

func cycleInitCmd() *cobra.Command {
	var id, reportID, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a test cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			cy, err := e.InitCycle(cmd.Context(), id, reportID, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cy)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "cycle id")
	cmd.Flags().StringVar(&reportID, "report", "", "regulatory report id (e.g. FRY14Q)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func cycleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cycles, err := r.ListCycles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(cycles)
			})
		},
	}
	return cmd
}

func cycleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cy, err := e.Repo.GetCycle(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cy)
			})
		},
	}
	return cmd
}

func cycleUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default cycle for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleID := strings.TrimSpace(args[0])
			if cycleID == "" {
				return fmt.Errorf("cycle id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PHASELINE_CYCLE", cycleID); err != nil {
				return err
			}
			fmt.Printf("Set PHASELINE_CYCLE=%s in %s/.env\n", cycleID, workspace)
			return nil
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases are the stages of a test cycle. Each keeps a ledger of versions; the current version is the approved deliverable.",
	}
	p.AddCommand(phaseCreateCmd())
	p.AddCommand(phaseListCmd())
	p.AddCommand(phaseShowCmd())
	p.AddCommand(phaseCurrentCmd())
	p.AddCommand(phaseHistoryCmd())
	p.AddCommand(phaseRollbackCmd())
	return p
}

func phaseCreateCmd() *cobra.Command {
	var opts engine.CreatePhaseOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CycleID == "" {
					opts.CycleID = e.Config.Cycle.ID
				}
				p, err := e.CreatePhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "phase id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.CycleID, "cycle-id", "", "cycle id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "phase name from the cycle catalog")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.Repo.ListPhases(ctx, e.Config.Cycle.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Current Version"})
				for _, p := range phases {
					current := ""
					if p.CurrentVersionID != nil {
						current = *p.CurrentVersionID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, current})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPhase(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func phaseCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current <phase-id>",
		Short: "Show the phase's current approved version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetCurrent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func phaseHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <phase-id>",
		Short: "List all versions of a phase in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var versions []domain.Version
				for v, err := range e.History(ctx, id) {
					if err != nil {
						return err
					}
					versions = append(versions, v)
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Status", "Created By", "Decided By", "Rejection Reason"})
				for _, v := range versions {
					decidedBy := ""
					if v.DecidedBy != nil {
						decidedBy = *v.DecidedBy
					}
					reason := ""
					if v.RejectionReason != nil {
						reason = *v.RejectionReason
					}
					tw.AppendRow(table.Row{v.SequenceNumber, v.ID, v.Status, v.CreatedBy, decidedBy, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseRollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <phase-name>",
		Short: "Abort the phase's open version, if any",
		Long:  "Rollback never deletes: the open draft or pending version is marked rejected and the ledger keeps it. The current approved version is untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				aborted, err := e.RollbackPhase(ctx, e.Config.Cycle.ID, name, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"aborted": aborted})
				}
				if aborted {
					fmt.Println("open version aborted")
				} else {
					fmt.Println("no open version")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "rolled back", "rejection reason recorded on the aborted version")
	return cmd
}

func versionCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "version",
		Short: "Manage phase versions",
		Long:  "Versions flow draft -> pending_approval -> approved/rejected. Approval supersedes the prior current version in the same transaction.",
	}
	v.AddCommand(versionDraftCmd())
	v.AddCommand(versionShowCmd())
	v.AddCommand(versionSubmitCmd())
	v.AddCommand(versionVerdictCmd())
	v.AddCommand(versionFinalizeCmd())
	v.AddCommand(versionAbortCmd())
	return v
}

func versionDraftCmd() *cobra.Command {
	var opts engine.CreateDraftOptions
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Open a new draft version for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateDraft(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PhaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&opts.ParentVersionID, "parent", "", "parent version id (defaults to the phase's current version)")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVersion(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft for report-owner approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Submit(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionVerdictCmd() *cobra.Command {
	var verdict, reason, token string
	cmd := &cobra.Command{
		Use:   "verdict <id>",
		Short: "Record the report-owner verdict on a pending version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RecordVerdict(ctx, engine.RecordVerdictOptions{
					VersionID:        id,
					Verdict:          engine.Verdict(verdict),
					ActorID:          viper.GetString("actor-id"),
					Reason:           reason,
					IdempotencyToken: token,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve or reject")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "token to make redeliveries no-ops")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func versionFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Derive and record the verdict from item decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Finalize(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func versionAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort an open version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.AbortDraft(ctx, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "aborted", "rejection reason recorded on the version")
	return cmd
}

func itemCmd() *cobra.Command {
	i := &cobra.Command{
		Use:   "item",
		Short: "Manage version items",
		Long:  "Items are the rows of a version: attributes, rules, samples, evidence. Each carries a tester decision and a report-owner decision.",
	}
	i.AddCommand(itemAddCmd())
	i.AddCommand(itemListCmd())
	i.AddCommand(itemRemoveCmd())
	return i
}

func itemAddCmd() *cobra.Command {
	var kind, token string
	var payloads []string
	cmd := &cobra.Command{
		Use:   "add <version-id>",
		Short: "Add items to a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			opts := engine.AddItemsOptions{
				VersionID:        versionID,
				ActorID:          viper.GetString("actor-id"),
				IdempotencyToken: token,
			}
			for _, p := range payloads {
				opts.Items = append(opts.Items, engine.NewItem{Kind: kind, PayloadJSON: p})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AddItems(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "item kind (attribute, rule, sample, evidence)")
	cmd.Flags().StringArrayVar(&payloads, "payload-json", []string{}, "item payload JSON (repeatable)")
	cmd.Flags().StringVar(&token, "idempotency-token", "", "token to make redeliveries no-ops")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func itemListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <version-id>",
		Short: "List items of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListItems(ctx, versionID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Tester", "Owner", "Carried From"})
				for _, it := range items {
					carried := ""
					if it.CarriedFromItemID != nil {
						carried = *it.CarriedFromItemID
					}
					tw.AppendRow(table.Row{it.ID, it.Kind, it.TesterDecision, it.OwnerDecision, carried})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove an item from a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveItem(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func decideCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "decide",
		Short: "Record item decisions",
		Long:  "Testers accept, reject, or override; report owners approve, reject, or ask for revision. Re-recording the same value is always a no-op.",
	}
	d.AddCommand(decideTesterCmd())
	d.AddCommand(decideOwnerCmd())
	return d
}

func decideTesterCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "tester <item-id>",
		Short: "Record the tester decision on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.RecordTesterDecision(ctx, id, decision, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "accept, reject, or override")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decideOwnerCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "owner <item-id>",
		Short: "Record the report-owner decision on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.RecordOwnerDecision(ctx, id, decision, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected, or needs_revision")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func runCmd() *cobra.Command {
	var phaseID, class, invocationID, failKind string
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a phase activity command under retry and compensation",
		Long: `Runs an external command as the phase's activity. Non-zero exits retry
per the activity class policy; exhausted retries trigger the phase's
compensation (rollback, notify, or manual intervention). Passing the
same --invocation-id on redelivery compensates at most once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if phaseID == "" {
				return fmt.Errorf("--phase required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				coord := workflow.NewCoordinator(e, e.Config, workflow.NewWebhookNotifier(e.Config))
				res, err := coord.ExecutePhaseActivity(ctx, workflow.ExecuteOptions{
					PhaseID:       phaseID,
					ActivityClass: class,
					ActorID:       viper.GetString("actor-id"),
					InvocationID:  invocationID,
				}, func(ctx context.Context) error {
					c := exec.CommandContext(ctx, args[0], args[1:]...)
					c.Stdout = os.Stdout
					c.Stderr = os.Stderr
					if runErr := c.Run(); runErr != nil {
						kind := failKind
						if kind == "" {
							kind = workflow.KindTransient
						}
						return workflow.Classify(kind, runErr)
					}
					return nil
				})
				out := map[string]any{
					"status":   res.Status,
					"attempts": res.Attempts,
				}
				if res.Compensation != "" {
					out["compensation"] = res.Compensation
				}
				if res.Err != nil {
					out["error"] = res.Err.Error()
				}
				if printErr := printJSONOrTable(out); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&class, "class", "", "activity class naming the retry policy")
	cmd.Flags().StringVar(&invocationID, "invocation-id", "", "stable id keying exactly-once compensation")
	cmd.Flags().StringVar(&failKind, "error-kind", "", "error kind to classify command failures as (default transient)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (phaseline.yml): the phase catalog with carry-forward rules, retry policies per activity class, and compensation policies per phase.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var cycleID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(cycleID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle-id", "cycle-1", "cycle id to seed the config with")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: version transitions, item decisions, verdicts, compensations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Cycle.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveCycleAndConfig(cmd.Context(), workspace, viper.GetString("cycle"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PHASELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "plk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actorID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveCycleAndConfig(ctx, workspace, viper.GetString("cycle"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
