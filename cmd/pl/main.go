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
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pulseline/internal/app"
	"pulseline/internal/bus"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/server"
	"pulseline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pulseline CLI",
	Long: `Pulseline coordinates a startup's AI agents: a message bus, a heartbeat
monitor, and a workflow engine sharing one ledger.
Core concepts:
- Workspace: your .pulseline directory holding only the database; configs
  are stored in the DB and imported from pulseline.yml explicitly.
- Startup: the company a deployment watches over; owns all messages,
  rules, actions, and workflows.
- A2A bus: agents publish to topics ("metrics.cash", "deal.signed");
  subscriptions in the config decide who receives what.
- Heartbeat: trigger rules run a checklist on every scheduler tick and
  record an insight, an action, or an escalation. Quiet hours and rate
  limits keep them from spamming.
- Autonomy: manual, assisted, or autonomous. Assisted mode routes
  configured action categories through founder approval; pause is the
  kill switch.
- Forge: workflows are node graphs (http, transform, condition, loop,
  human, ai...). Runs snapshot the graph, suspend at human gates, and
  resume on decision.
- Ledger: diary of everything that happened, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PULSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("startup", "", "startup id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("startup", rootCmd.PersistentFlags().Lookup("startup"))
}

func registerCommands() {
	rootCmd.AddCommand(startupCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pulseCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(autonomyCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func startupCmd() *cobra.Command {
	s := &cobra.Command{Use: "startup", Short: "Manage startups"}
	s.AddCommand(startupListCmd())
	s.AddCommand(startupRegisterCmd())
	s.AddCommand(startupShowCmd())
	s.AddCommand(startupDeleteCmd())
	s.AddCommand(startupUseCmd())
	return s
}

func startupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List startups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStartups(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func startupRegisterCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a startup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withAppOnly(cmd.Context(), func(ctx context.Context, a app.App) error {
				startupID, _, err := app.ResolveStartup(ctx, a, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				s, err := a.Repo.GetStartup(ctx, startupID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "startup id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func startupShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a startup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStartup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func startupDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a startup and all its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteStartup(ctx, args[0])
			})
		},
	}
}

func startupUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current startup for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			startupID := strings.TrimSpace(args[0])
			if startupID == "" {
				return fmt.Errorf("startup id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PULSELINE_STARTUP", startupID); err != nil {
				return err
			}
			fmt.Printf("Set PULSELINE_STARTUP=%s in %s/.env\n", startupID, workspace)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect startup config",
		Long:  "Config is the rulebook (stored in DB): startup identity, agent subscriptions, rule defaults, approval categories, and outbound webhooks. Import from pulseline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				return printJSONOrTable(cfg)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				return cfg.Validate()
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
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import startup config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			override := cfg.Startup.ID
			if override == "" {
				override = viper.GetString("startup")
			}
			return withAppOnly(cmd.Context(), func(ctx context.Context, a app.App) error {
				startupID, _, err := app.ResolveStartup(ctx, a, override, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				cfg.Startup.ID = startupID
				if err := a.Repo.UpsertStartupConfig(ctx, nil, startupID, cfg); err != nil {
					return err
				}
				if err := a.Evaluator.SeedRules(ctx, startupID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "pulseline.yml", "path to YAML config")
	return cmd
}

func pulseCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Show startup pulse",
		Long:  "The scoreboard: startup status, autonomy level, recent heartbeats, and actions waiting on you.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				s, err := a.Repo.GetStartup(ctx, startupID)
				if err != nil {
					return err
				}
				autonomy, err := a.Repo.GetAutonomySettings(ctx, startupID)
				if err != nil {
					return err
				}
				beats, err := a.Repo.ListHeartbeats(ctx, startupID, n)
				if err != nil {
					return err
				}
				pending, err := a.Repo.ListActions(ctx, startupID, repo.ActionFilter{Status: domain.ActionPendingApproval})
				if err != nil {
					return err
				}
				overdue, err := a.Repo.UnansweredRequests(ctx, startupID, a.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				out := map[string]any{
					"startup":          s,
					"autonomy":         autonomy,
					"heartbeats":       beats,
					"pending_approval": pending,
					"overdue_requests": overdue,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Startup: %s (%s)\n", s.ID, s.Status)
				paused := ""
				if autonomy.IsPaused {
					paused = " [PAUSED]"
				}
				fmt.Printf("Autonomy: %s%s\n", autonomy.Level, paused)
				fmt.Printf("Pending approvals: %d\n", len(pending))
				fmt.Printf("Overdue requests: %d\n", len(overdue))
				fmt.Println("Recent heartbeats:")
				for _, b := range beats {
					fmt.Printf("  %s  %-10s  %s\n", b.TS, b.ResultType, b.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 10, "number of heartbeats")
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "message",
		Short: "Agent-to-agent messages",
		Long:  "Publish to a topic and the subscription registry fans the message out; agents read their inbox and respond on the same thread.",
	}
	msg.AddCommand(messagePublishCmd())
	msg.AddCommand(messageInboxCmd())
	msg.AddCommand(messageThreadCmd())
	msg.AddCommand(messageRespondCmd())
	msg.AddCommand(messageProcessedCmd())
	return msg
}

func messagePublishCmd() *cobra.Command {
	var from, to, topic, msgType, priority, payloadJSON, threadID, parentID string
	var requiresResponse bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadJSON)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				msgs, err := a.Bus.Publish(ctx, bus.PublishInput{
					StartupID:        startupID,
					FromAgent:        from,
					ToAgent:          to,
					Topic:            topic,
					Type:             msgType,
					Priority:         priority,
					Payload:          payload,
					ThreadID:         threadID,
					ParentID:         parentID,
					RequiresResponse: requiresResponse,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id (empty = broadcast by topic)")
	cmd.Flags().StringVar(&topic, "topic", "", "topic, e.g. metrics.cash")
	cmd.Flags().StringVar(&msgType, "type", "", "INSIGHT, REQUEST, ACTION or ALERT")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or URGENT")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent message id")
	cmd.Flags().BoolVar(&requiresResponse, "requires-response", false, "mark as awaiting a response")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func messageInboxCmd() *cobra.Command {
	var f repo.InboxFilter
	cmd := &cobra.Command{
		Use:   "inbox <agent-id>",
		Short: "Read an agent inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Agent = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				msgs, err := a.Repo.Inbox(ctx, startupID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "Topic", "Type", "Priority", "Status", "TS"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.FromAgent, m.Topic, m.Type, m.Priority, m.Status, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Topic, "topic", "", "topic filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "only messages after this RFC3339 time")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max messages")
	return cmd
}

func messageThreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Show a conversation thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				msgs, err := a.Repo.Thread(ctx, startupID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
}

func messageRespondCmd() *cobra.Command {
	var from, payloadJSON string
	cmd := &cobra.Command{
		Use:   "respond <message-id>",
		Short: "Respond to a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(payloadJSON)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				reply, err := a.Bus.RespondTo(ctx, startupID, args[0], from, payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(reply)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "responding agent id")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func messageProcessedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processed <message-id>",
		Short: "Mark a message as processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				return a.Bus.MarkProcessed(ctx, startupID, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func autonomyCmd() *cobra.Command {
	auto := &cobra.Command{
		Use:   "autonomy",
		Short: "Autonomy level and kill switch",
	}
	auto.AddCommand(autonomyShowCmd())
	auto.AddCommand(autonomySetCmd())
	auto.AddCommand(autonomyPauseCmd(true))
	auto.AddCommand(autonomyPauseCmd(false))
	return auto
}

func autonomyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show autonomy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				settings, err := a.Repo.GetAutonomySettings(ctx, startupID)
				if err != nil {
					return err
				}
				return printJSONOrTable(settings)
			})
		},
	}
}

func autonomySetCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set autonomy level",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch level {
			case "manual", "assisted", "autonomous":
			default:
				return fmt.Errorf("--level must be manual, assisted or autonomous")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				settings, err := a.Repo.GetAutonomySettings(ctx, startupID)
				if err != nil {
					return err
				}
				settings.Level = level
				settings.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := a.Repo.UpsertAutonomySettings(ctx, nil, settings); err != nil {
					return err
				}
				return printJSONOrTable(settings)
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "manual, assisted or autonomous")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func autonomyPauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Pause all autonomous behavior"
	if !pause {
		use, short = "resume", "Resume autonomous behavior"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				ts := time.Now().UTC().Format(time.RFC3339)
				if err := a.Repo.SetAutonomyPaused(ctx, nil, startupID, pause, ts); err != nil {
					return err
				}
				settings, err := a.Repo.GetAutonomySettings(ctx, startupID)
				if err != nil {
					return err
				}
				return printJSONOrTable(settings)
			})
		},
	}
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Agent actions and approvals",
		Long:  "Every side effect an agent wants to take is an action. In assisted mode, risky categories wait for your approve/reject.",
	}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionDecideCmd("approve"))
	act.AddCommand(actionDecideCmd("reject"))
	return act
}

func actionListCmd() *cobra.Command {
	var f repo.ActionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				items, err := a.Repo.ListActions(ctx, startupID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Title", "Status", "Created"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Category, item.Title, item.Status, item.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max actions")
	return cmd
}

func actionDecideCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <action-id>",
		Short: capitalize(verb) + " a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				var (
					action domain.Action
					err    error
				)
				if verb == "approve" {
					action, err = a.Actions.Approve(ctx, startupID, args[0], viper.GetString("actor-id"))
				} else {
					action, err = a.Actions.Reject(ctx, startupID, args[0], viper.GetString("actor-id"))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(action)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Heartbeat trigger rules",
	}
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(rulePauseCmd("pause"))
	rule.AddCommand(rulePauseCmd("resume"))
	rule.AddCommand(ruleRmCmd())
	return rule
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trigger rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				rules, err := a.Repo.ListRules(ctx, startupID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Kind", "Enabled", "Paused", "Quiet", "Cooldown"})
				for _, r := range rules {
					quiet := ""
					if r.QuietStart != "" || r.QuietEnd != "" {
						quiet = r.QuietStart + "-" + r.QuietEnd
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Kind, r.Enabled, r.Paused, quiet, r.CooldownMinutes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rulePauseCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: capitalize(verb) + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				actor := viper.GetString("actor-id")
				var err error
				if verb == "pause" {
					err = a.Evaluator.PauseRule(ctx, startupID, args[0], actor)
				} else {
					err = a.Evaluator.ResumeRule(ctx, startupID, args[0], actor)
				}
				if err != nil {
					return err
				}
				rule, err := a.Repo.GetRule(ctx, startupID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
}

func ruleRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				if err := a.Evaluator.DeleteRule(ctx, startupID, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("rule %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Forge workflows",
		Long:  "Workflows are node graphs executed by the forge runner. Draft, activate, run, and approve human gates from here.",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowTransitionCmd("activate"))
	wf.AddCommand(workflowTransitionCmd("archive"))
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowRunsCmd())
	wf.AddCommand(workflowLogsCmd())
	wf.AddCommand(workflowDecideCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowRmCmd())
	return wf
}

func workflowRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <workflow-id>",
		Short: "Delete a non-active workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				if err := a.Workflows.Delete(ctx, startupID, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("workflow %s deleted\n", args[0])
				return nil
			})
		},
	}
}

type workflowFile struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Nodes       json.RawMessage `json:"nodes" yaml:"nodes"`
	Edges       json.RawMessage `json:"edges" yaml:"edges"`
}

func workflowCreateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a JSON definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var def workflowFile
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("invalid workflow file: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				w, err := a.Workflows.Create(ctx, startupID, viper.GetString("actor-id"), workflowDefinition(def))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to workflow JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				items, err := a.Repo.ListWorkflows(ctx, startupID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				w, err := a.Repo.GetWorkflow(ctx, startupID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workflowTransitionCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <workflow-id>",
		Short: capitalize(verb) + " a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				var (
					w   domain.Workflow
					err error
				)
				if verb == "activate" {
					w, err = a.Workflows.Activate(ctx, startupID, args[0], viper.GetString("actor-id"))
				} else {
					w, err = a.Workflows.Archive(ctx, startupID, args[0], viper.GetString("actor-id"))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workflowRunCmd() *cobra.Command {
	var inputJSON string
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parsePayload(inputJSON)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				run, err := a.Runner.Start(ctx, startupID, args[0], viper.GetString("actor-id"), input)
				if err != nil && run.ID == "" {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON trigger input")
	return cmd
}

func workflowRunsCmd() *cobra.Command {
	var workflowID string
	var n int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				runs, err := a.Repo.ListRuns(ctx, startupID, workflowID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Status", "Created", "Finished"})
				for _, r := range runs {
					finished := ""
					if r.FinishedAt != nil {
						finished = *r.FinishedAt
					}
					tw.AppendRow(table.Row{r.ID, r.WorkflowID, r.Status, r.CreatedAt, finished})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "filter by workflow id")
	cmd.Flags().IntVar(&n, "n", 20, "max runs")
	return cmd
}

func workflowLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show run execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				if _, err := a.Repo.GetRun(ctx, startupID, args[0]); err != nil {
					return err
				}
				logs, err := a.Repo.ListRunLogs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(logs)
			})
		},
	}
}

func workflowDecideCmd() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Decide a waiting human gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				run, err := a.Runner.Decide(ctx, startupID, args[0], viper.GetString("actor-id"), !reject)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				run, err := a.Runner.Cancel(ctx, startupID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func tickCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one heartbeat scheduler pass",
		Long:  "Evaluates every active startup's rules once and sweeps expired approvals. The serve command does this on an interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				a.Scheduler(0, workers).Tick(ctx)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent startup evaluations")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the ledger"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entryType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app.App, startupID string, cfg *config.Config) error {
				entries, err := a.Repo.LatestLedger(ctx, n, startupID, entryType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entryType, "type", "", "entry type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate agents against the HTTP API via the X-API-Key header. The raw key prints once at creation; only its hash is stored.",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			rawKey := "plk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "key": rawKey})
				}
				fmt.Printf("API key created for %s (id %s)\n", actor, key.ID)
				fmt.Printf("Key (save it now, it is not stored): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tickInterval time.Duration
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and scheduler",
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
			a := app.New(conn, nil, app.Options{})
			_, cfg, err := app.ResolveStartup(cmd.Context(), a, viper.GetString("startup"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			a.Config = cfg
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PULSELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PULSELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go a.Scheduler(tickInterval, workers).Run(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pulseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", time.Minute, "heartbeat scheduler interval")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent startup evaluations")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, app.App, string, *config.Config) error) error {
	return withAppOnly(ctx, func(ctx context.Context, a app.App) error {
		startupID, cfg, err := app.ResolveStartup(ctx, a, viper.GetString("startup"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		a.Config = cfg
		return fn(ctx, a, startupID, cfg)
	})
}

func withAppOnly(ctx context.Context, fn func(context.Context, app.App) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, app.New(conn, nil, app.Options{}))
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
	return fn(ctx, repo.Repo{DB: conn})
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

func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return payload, nil
}

func workflowDefinition(def workflowFile) workflow.DefinitionInput {
	return workflow.DefinitionInput{
		Name:        def.Name,
		Description: def.Description,
		NodesJSON:   string(def.Nodes),
		EdgesJSON:   string(def.Edges),
	}
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
