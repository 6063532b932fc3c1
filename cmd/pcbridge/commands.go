package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/queue"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay, queue and agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if err := client.Health(ctx); err != nil {
			printStatus("Relay", "unreachable at %s", client.BaseURL())
			return nil
		}
		printStatus("Relay", "running at %s", client.BaseURL())

		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		printStatus("Queue", "%d pending, %d in flight, %d total", st.Pending, st.InFlight, st.Total)
		printStatus("Agent", "%s", agentLine(st.Agent, time.Now()))
		return nil
	},
}

func agentLine(a queue.AgentStatus, now time.Time) string {
	line := onlineLabel(a.Online)
	if a.AgentID != "" {
		line += " (" + a.AgentID + ")"
	}
	if a.LastSeen != nil {
		line += ", last seen " + formatAge(now.Sub(*a.LastSeen)) + " ago"
	}
	return line
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the task queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tasks, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		tasks, err := client.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}
		renderTasks(cmd.OutOrStdout(), tasks, time.Now())
		return nil
	},
}

func renderTasks(w io.Writer, tasks []queue.Task, now time.Time) {
	for _, t := range tasks {
		fmt.Fprintf(w, "%s  %-9s  %-14s  %4s  %s\n",
			colorize(colorCyan, t.ID),
			statusLabel(t.Status),
			t.Type,
			formatAge(now.Sub(t.CreatedAt)),
			shorten(t.Payload, 60),
		)
	}
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [payload...]",
	Short: "Queue a task for the agent",
	Long: `Queue a task for the agent. The result is delivered to --chat.

Examples:
  pcbridge queue enqueue shell-command "df -h" --chat 123456789
  pcbridge queue enqueue screenshot --chat 123456789
  pcbridge queue enqueue open-target youtube.com --chat 123456789`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := queue.TaskType(args[0])
		if !typ.Valid() {
			return fmt.Errorf("unknown task type %q", args[0])
		}
		chat, _ := cmd.Flags().GetString("chat")
		if strings.TrimSpace(chat) == "" {
			return fmt.Errorf("--chat is required")
		}
		payload := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.Enqueue(cmd.Context(), typ, payload, chat)
		if err != nil {
			return err
		}
		printSuccess("Queued %s (queue size %d)", resp.ID, resp.QueueSize)
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return an in-flight task to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		t, err := client.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSuccess("Requeued %s", t.ID)
		return nil
	},
}

func init() {
	queueEnqueueCmd.Flags().String("chat", "", "chat id that receives the result")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueEnqueueCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			if strings.HasPrefix(err.Error(), "unknown config key") {
				printWarning("valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}
		if isSecretKey(key) {
			printSuccess("Stored secret %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ShowAll(config.Config{}) {
			label := k.Key
			if k.Secret {
				label += " (secret)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-34s %s\n", label, k.EnvVar)
		}
		return nil
	},
}

func isSecretKey(key string) bool {
	for _, k := range config.ShowAll(config.Config{}) {
		if k.Key == key {
			return k.Secret
		}
	}
	return false
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
