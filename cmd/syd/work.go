package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/events"
	"switchyard/internal/relay"
	"switchyard/internal/sprint"
	"switchyard/internal/tools"
)

// envelopeFlags binds the addressing flags shared by task, dream and relay commands.
type envelopeFlags struct {
	target   string
	priority string
	action   string
	ttl      int
	threadID string
	replyTo  string
	fallback []string
}

func (f *envelopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "target", "", "program id, group id, cap:<name> or all")
	cmd.Flags().StringVar(&f.priority, "priority", "", "low, normal or high")
	cmd.Flags().StringVar(&f.action, "action", "", "interrupt, sprint, parallel, queue or backlog")
	cmd.Flags().IntVar(&f.ttl, "ttl", 0, "lifetime in seconds")
	cmd.Flags().StringVar(&f.threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&f.replyTo, "reply-to", "", "id this replies to")
	cmd.Flags().StringSliceVar(&f.fallback, "fallback", nil, "targets tried in order when --target does not resolve")
	_ = cmd.MarkFlagRequired("target")
}

func (f *envelopeFlags) envelope() domain.Envelope {
	env := domain.Envelope{
		Target:   f.target,
		Priority: domain.Priority(f.priority),
		Action:   domain.Action(f.action),
		ThreadID: f.threadID,
		ReplyTo:  f.replyTo,
		Fallback: f.fallback,
	}
	if f.ttl > 0 {
		ttl := f.ttl
		env.TTLSeconds = &ttl
	}
	return env
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Create, claim and complete tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in dispatch.CreateInput
	var kind string
	var env envelopeFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Kind = domain.Kind(kind)
			in.Envelope = env.envelope()
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Tasks.Create(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Instructions, "instructions", "", "instructions for the target")
	cmd.Flags().StringVar(&kind, "kind", "task", "task or question")
	cmd.Flags().StringVar(&in.DreamID, "dream", "", "dream the task belongs to")
	env.bind(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f dispatch.ListFilter
	var status, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the program",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			f.Kind = domain.Kind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Target", "Priority", "Session"})
				for _, t := range items {
					status := string(t.Status)
					if t.Expired {
						status += " (expired)"
					}
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Title, status, t.Target, t.Priority, t.SessionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Target, "target", "", "target filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	cmd.Flags().BoolVar(&f.IncludeExpired, "include-expired", false, "include expired items (privileged)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim a task for --session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Tasks.Claim(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var in dispatch.CompleteInput
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete an active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TaskID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Tasks.Complete(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&in.Outcome, "outcome", "SUCCESS", "SUCCESS, FAILURE, ERROR, TIMEOUT or CANCELLED")
	cmd.Flags().IntVar(&in.Tokens, "tokens", 0, "tokens used")
	cmd.Flags().Float64Var(&in.CostUSD, "cost", 0, "cost in USD")
	cmd.Flags().StringVar(&in.Model, "model", "", "model used")
	cmd.Flags().StringVar(&in.Provider, "provider", "", "model provider")
	cmd.Flags().StringVar(&in.ErrorCode, "error-code", "", "error code for failed outcomes")
	cmd.Flags().StringVar(&in.ErrorClass, "error-class", "", "error class for failed outcomes")
	cmd.Flags().StringVar(&in.Result, "result", "", "result text")
	return cmd
}

func dreamCmd() *cobra.Command {
	dream := &cobra.Command{Use: "dream", Short: "Manage budgeted autonomous runs"}
	dream.AddCommand(dreamCreateCmd())
	dream.AddCommand(dreamKillCmd())
	return dream
}

func dreamCreateCmd() *cobra.Command {
	var in dispatch.DreamInput
	var env envelopeFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a dream",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Envelope = env.envelope()
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Tasks.CreateDream(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "dream title")
	cmd.Flags().StringVar(&in.Instructions, "instructions", "", "instructions")
	cmd.Flags().StringVar(&in.Agent, "agent", "", "agent running the dream")
	cmd.Flags().Float64Var(&in.BudgetCapUSD, "budget", 0, "budget cap in USD")
	cmd.Flags().Float64Var(&in.TimeoutHours, "timeout-hours", 0, "hours before the run times out")
	env.bind(cmd)
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func dreamKillCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <dream-id>",
		Short: "Stop an unfinished dream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				item, err := e.Tasks.KillDream(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the dream was stopped")
	return cmd
}

func relayCmd() *cobra.Command {
	rel := &cobra.Command{Use: "relay", Short: "Send and read relay messages"}
	rel.AddCommand(relaySendCmd())
	rel.AddCommand(relayInboxCmd())
	rel.AddCommand(relayDeadLettersCmd())
	rel.AddCommand(relayHistoryCmd())
	return rel
}

func relaySendCmd() *cobra.Command {
	var in relay.SendInput
	var msgType, payload string
	var env envelopeFlags
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Message = args[0]
			in.MessageType = domain.MessageType(strings.ToUpper(msgType))
			in.Envelope = env.envelope()
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &in.StructuredPayload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Relay.Send(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "DIRECTIVE", "PING, PONG, HANDSHAKE, DIRECTIVE, STATUS, ACK, QUERY or RESULT")
	cmd.Flags().StringVar(&payload, "payload", "", "structured payload as a JSON object")
	cmd.Flags().StringVar(&in.IdempotencyKey, "idempotency-key", "", "replays return the first send")
	env.bind(cmd)
	return cmd
}

func printMessages(msgs []domain.RelayMessage) error {
	if viper.GetBool("json") {
		return printJSON(msgs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Source", "Target", "Status", "Created", "Message"})
	for _, m := range msgs {
		tw.AppendRow(table.Row{m.ID, m.MessageType, m.Priority, m.Source, m.Target, m.Status, m.CreatedAt, m.Payload})
	}
	tw.Render()
	return nil
}

func relayInboxCmd() *cobra.Command {
	var in relay.PendingInput
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Claim pending messages (use --peek to leave them pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				msgs, err := e.Relay.GetPending(ctx, in)
				if err != nil {
					return err
				}
				return printMessages(msgs)
			})
		},
	}
	cmd.Flags().StringVar(&in.Target, "target", "", "read another target's inbox (privileged)")
	cmd.Flags().BoolVar(&in.Peek, "peek", false, "do not mark messages delivered")
	cmd.Flags().IntVar(&in.Limit, "limit", 0, "maximum messages")
	return cmd
}

func relayDeadLettersCmd() *cobra.Command {
	var target string
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered messages (privileged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				msgs, err := e.Relay.GetDeadLetters(ctx, target, limit)
				if err != nil {
					return err
				}
				return printMessages(msgs)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages")
	return cmd
}

func relayHistoryCmd() *cobra.Command {
	var f relay.HistoryFilter
	var msgType, status string
	var sent bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query relay history (privileged unless --sent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.MessageType = domain.MessageType(strings.ToUpper(msgType))
			f.Status = domain.MessageStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var msgs []domain.RelayMessage
				var err error
				if sent {
					msgs, err = e.Relay.GetSent(ctx, f)
				} else {
					msgs, err = e.Relay.History(ctx, f)
				}
				if err != nil {
					return err
				}
				return printMessages(msgs)
			})
		},
	}
	cmd.Flags().BoolVar(&sent, "sent", false, "only messages sent by --program")
	cmd.Flags().StringVar(&f.ThreadID, "thread", "", "thread filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Target, "target", "", "target filter")
	cmd.Flags().StringVar(&msgType, "type", "", "message type filter")
	cmd.Flags().StringVar(&status, "status", "", "pending, delivered or dead_lettered")
	cmd.Flags().StringVar(&f.Since, "since", "", "inclusive RFC3339 lower bound")
	cmd.Flags().StringVar(&f.Until, "until", "", "exclusive RFC3339 upper bound")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum messages")
	return cmd
}

func sprintCmd() *cobra.Command {
	sp := &cobra.Command{Use: "sprint", Short: "Run sprints of stories"}
	sp.AddCommand(sprintCreateCmd())
	sp.AddCommand(sprintGetCmd())
	sp.AddCommand(sprintUpdateStoryCmd())
	sp.AddCommand(sprintAddStoryCmd())
	sp.AddCommand(sprintCompleteCmd())
	return sp
}

func sprintCreateCmd() *cobra.Command {
	var in sprint.CreateInput
	var storiesFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sprint from a YAML or JSON list of stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(storiesFile)
			if err != nil {
				return err
			}
			if err := decodeDocument(data, &in.Stories); err != nil {
				return fmt.Errorf("parse %s: %w", storiesFile, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Sprints.Create(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.ProjectName, "project", "", "project name")
	cmd.Flags().StringVar(&in.Branch, "branch", "", "branch")
	cmd.Flags().StringVar(&in.Title, "title", "", "sprint title")
	cmd.Flags().StringVar(&in.DreamID, "dream", "", "dream the sprint belongs to")
	cmd.Flags().StringVar(&in.Target, "target", "", "sprint target (default orchestrator)")
	cmd.Flags().StringVar(&storiesFile, "stories", "", "file with the story definitions")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("stories")
	return cmd
}

func sprintGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <sprint-id>",
		Short: "Show a sprint and its stories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.Sprints.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				plan := view.Sprint.Plan
				if plan != nil {
					fmt.Printf("%s [%s] %s@%s %s\n", view.Sprint.Title, view.Sprint.Status, plan.ProjectName, plan.Branch, plan.StatusText)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Story", "Wave", "Title", "Status", "Progress", "Retries", "Current Action"})
				for _, s := range view.Stories {
					var storyID string
					var wave int
					if s.Sprint != nil {
						storyID, wave = s.Sprint.StoryID, s.Sprint.Wave
					}
					retries := ""
					if s.Retry != nil {
						retries = fmt.Sprintf("%d/%d", s.Retry.RetryCount, s.Retry.MaxRetries)
					}
					tw.AppendRow(table.Row{storyID, wave, s.Title, s.Status, fmt.Sprintf("%.0f%%", s.Progress), retries, s.CurrentAction})
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d/%d done", view.Stats.Completed, view.Stats.Total)})
				tw.Render()
				return nil
			})
		},
	}
}

func sprintUpdateStoryCmd() *cobra.Command {
	var in sprint.UpdateStoryInput
	var status string
	var progress float64
	cmd := &cobra.Command{
		Use:   "update-story <sprint-id> <story-id>",
		Short: "Report a story's status or progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.SprintID, in.StoryID = args[0], args[1]
			in.Status = domain.Status(status)
			if cmd.Flags().Changed("progress") {
				in.Progress = &progress
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Sprints.UpdateStory(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "created, active, done, failed or archived")
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&in.CurrentAction, "action", "", "what the story is doing now")
	cmd.Flags().StringVar(&in.Error, "error", "", "failure reason")
	return cmd
}

func sprintAddStoryCmd() *cobra.Command {
	var in sprint.AddStoryInput
	var mode string
	var retryPolicy string
	cmd := &cobra.Command{
		Use:   "add-story <sprint-id>",
		Short: "Add a story to a running sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.SprintID = args[0]
			in.InsertionMode = sprint.InsertionMode(mode)
			in.Story.RetryPolicy = domain.RetryPolicy(retryPolicy)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Sprints.AddStory(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Story.ID, "id", "", "story id (generated when empty)")
	cmd.Flags().StringVar(&in.Story.Title, "title", "", "story title")
	cmd.Flags().StringVar(&in.Story.Instructions, "instructions", "", "instructions")
	cmd.Flags().StringVar(&in.Story.Target, "target", "", "story target")
	cmd.Flags().StringSliceVar(&in.Story.Dependencies, "depends-on", nil, "story ids this depends on")
	cmd.Flags().StringVar(&retryPolicy, "retry-policy", "", "none, auto_retry or escalate")
	cmd.Flags().IntVar(&in.Story.MaxRetries, "max-retries", 0, "retry limit for auto_retry")
	cmd.Flags().StringVar(&mode, "mode", "", "current_wave, next_wave or backlog")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func sprintCompleteCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "complete <sprint-id>",
		Short: "Close a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Sprints.Complete(ctx, args[0], summary)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary (generated when empty)")
	return cmd
}

func programCmd() *cobra.Command {
	prog := &cobra.Command{Use: "program", Short: "Register and list programs"}
	prog.AddCommand(programRegisterCmd())
	prog.AddCommand(programListCmd())
	return prog
}

func programRegisterCmd() *cobra.Command {
	var p domain.Program
	cmd := &cobra.Command{
		Use:   "register [program-id]",
		Short: "Register a program (defaults to --program)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p.ID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RegisterProgram(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&p.DisplayName, "name", "", "display name")
	cmd.Flags().StringSliceVar(&p.Capabilities, "cap", nil, "capability (repeatable)")
	return cmd
}

func programListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List programs with presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				programs, err := e.ListPrograms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(programs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Presence", "Last Seen", "Capabilities"})
				for _, p := range programs {
					tw.AppendRow(table.Row{p.ID, p.DisplayName, p.Presence, p.LastSeenAt, strings.Join(p.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage groups"}
	grp.AddCommand(&cobra.Command{
		Use:   "set <group-id> <member>...",
		Short: "Replace a group's members (privileged)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.SetGroup(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	})
	return grp
}

func eventsCmd() *cobra.Command {
	var evtType string
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent telemetry events for --tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				caller, err := e.Policy.RequirePrivileged(ctx)
				if err != nil {
					return err
				}
				evts, err := events.List(ctx, e.Store.Tenant(caller.TenantID), evtType, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Entity", "Program"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityID, ev.ProgramID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-args]",
		Short: "Invoke a tool by name, as the MCP server would",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
					return fmt.Errorf("arguments must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res := tools.Dispatcher{Engine: e, Caller: flagCaller(e)}.Call(ctx, args[0], toolArgs)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %s", res.Code, res.Error)
				}
				return nil
			})
		},
	}
}
