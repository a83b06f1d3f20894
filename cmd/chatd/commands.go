package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/luoran/chatd/internal/cache"
	"github.com/luoran/chatd/internal/chat"
	"github.com/luoran/chatd/internal/config"
	"github.com/luoran/chatd/internal/history"
	"github.com/luoran/chatd/internal/offline"
	"github.com/luoran/chatd/internal/store"
	"github.com/luoran/chatd/internal/suggest"
	"github.com/luoran/chatd/internal/transport"
)

func openStore() (*store.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("opening store: %w", err)
	}
	return st, cfg, nil
}

func newCacheManager(st *store.Store, cfg config.Config) *cache.Manager {
	return cache.NewManager(st, cache.Config{
		TTL:     time.Duration(cfg.Cache.TTLHours) * time.Hour,
		Enabled: cfg.Cache.Enabled,
	})
}

func newChatService(st *store.Store, cfg config.Config) (*chat.Service, *history.Manager) {
	hist := history.NewManager(st)
	if _, degraded := hist.Load(); degraded {
		printWarning("conversation store unavailable, history will not persist")
	}

	client := transport.NewClient(fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))
	svc := chat.NewService(newCacheManager(st, cfg), hist, offline.NewManager(st), client, slog.Default())
	return svc, hist
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <prompt>",
	Short: "Send a prompt and stream the reply",
	Long: `Send a prompt through the relay and stream the reply to stdout.

The exchange is appended to the conversation, identical repeat requests
are answered from the local cache, and if the relay is unreachable the
message is parked on the offline queue for a later flush.

Examples:
  chatd send "explain goroutines"
  chatd send --provider mock "echo this back"
  chatd send --image diagram.png "what does this diagram show?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		conversationID, _ := cmd.Flags().GetInt64("conversation")
		providerName, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		images, _ := cmd.Flags().GetStringArray("image")

		attachments := make([]store.Attachment, 0, len(images))
		for _, path := range images {
			att, err := attachmentFromFile(path)
			if err != nil {
				return err
			}
			attachments = append(attachments, att)
		}

		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		svc, _ := newChatService(st, cfg)
		out, err := svc.Send(cmd.Context(), chat.SendInput{
			ConversationID: conversationID,
			Prompt:         prompt,
			Provider:       providerName,
			Attachments:    attachments,
			Model:          model,
			MaxTokens:      maxTokens,
			OnFragment:     func(f string) { fmt.Print(f) },
		})
		fmt.Println()

		if err != nil {
			if out.QueuedID != 0 {
				printWarning("Relay unreachable; message queued for offline send (id %d)", out.QueuedID)
				printWarning("Run `chatd offline flush` once the relay is back.")
				return nil
			}
			return err
		}
		if out.FromCache {
			printStatus("Cache", "hit, no provider call made")
		}
		return nil
	},
}

func attachmentFromFile(path string) (store.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("reading image: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return store.Attachment{
		Name:      filepath.Base(path),
		DataURI:   fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
		SizeLabel: sizeLabel(len(data)),
	}, nil
}

func sizeLabel(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	sendCmd.Flags().Int64("conversation", 1, "conversation id to append to")
	sendCmd.Flags().String("provider", "", "provider to use (qwen, openai_compat, mock)")
	sendCmd.Flags().String("model", "", "override the provider's default model")
	sendCmd.Flags().Int("max-tokens", 0, "response token limit")
	sendCmd.Flags().StringArray("image", nil, "image file to attach (repeatable)")
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversation history",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		hist := history.NewManager(st)
		list, degraded := hist.Load()
		if degraded {
			printWarning("store unavailable, showing in-memory default only")
		}

		for _, c := range list {
			updated := time.UnixMilli(c.UpdatedAt).Format("2006-01-02 15:04")
			fmt.Printf("%s  %s  %s (%d messages)\n",
				colorize(colorCyan, strconv.FormatInt(c.ConversationID, 10)),
				updated,
				c.Title,
				len(c.Messages),
			)
		}
		return nil
	},
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		hist := history.NewManager(st)
		hist.Load()
		c, err := hist.Create(strings.Join(args, " "))
		if err != nil {
			return err
		}
		printSuccess("Created conversation %d (%s)", c.ConversationID, c.Title)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the messages of one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}

		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		hist := history.NewManager(st)
		hist.Load()
		msgs := hist.Messages(id)
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		for _, m := range msgs {
			ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
			label := colorize(colorBold, m.Origin)
			fmt.Printf("[%s] %s: %s\n", ts, label, m.Text)
			for _, att := range m.Attachments {
				fmt.Printf("    attachment: %s (%s)\n", att.Name, att.SizeLabel)
			}
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}

		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		hist := history.NewManager(st)
		hist.Load()
		hist.Delete(id)
		printSuccess("Deleted conversation %d", id)
		return nil
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsNewCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the request cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := newCacheManager(st, cfg)
		stats, err := mgr.Stats()
		if err != nil {
			return err
		}

		printStatus("Entries", "%d", stats.Total)
		printStatus("Valid", "%d", stats.Valid)
		printStatus("Expired", "%d", stats.Expired)
		printStatus("Approx size", "%s", sizeLabel(int(stats.ApproximateSize)))
		printStatus("TTL", "%dh", cfg.Cache.TTLHours)
		printStatus("Enabled", "%v", cfg.Cache.Enabled)
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := newCacheManager(st, cfg).CleanExpired()
		if err != nil {
			return err
		}
		printSuccess("Removed %d expired entries", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := newCacheManager(st, cfg).Clear(); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- offline ---

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Manage the offline outbound queue",
}

var offlineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		pending := offline.NewManager(st).Pending()
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, m := range pending {
			ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
			prompt := m.Prompt
			if len(prompt) > 80 {
				prompt = prompt[:80] + "..."
			}
			fmt.Printf("%s  %s  conv %d  retries %d  %s\n",
				colorize(colorCyan, strconv.FormatInt(m.ID, 10)),
				ts, m.ConversationID, m.RetryCount, prompt)
		}
		return nil
	},
}

var offlineFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay pending messages against the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		svc, _ := newChatService(st, cfg)
		sent, failed, err := svc.FlushOffline(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Flushed queue: %d sent, %d failed", sent, failed)
		return nil
	},
}

var offlineClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove delivered messages from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := offline.NewManager(st).ClearSent()
		if err != nil {
			return err
		}
		printSuccess("Removed %d sent messages", n)
		return nil
	},
}

func init() {
	offlineCmd.AddCommand(offlineListCmd)
	offlineCmd.AddCommand(offlineFlushCmd)
	offlineCmd.AddCommand(offlineClearCmd)
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest <prompt>",
	Short: "Score a prompt and suggest improvements",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		showTemplate, _ := cmd.Flags().GetBool("template")

		res := suggest.Optimize(prompt)
		printStatus("Score", "%d/100", res.Score)
		for _, s := range res.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
		if showTemplate {
			fmt.Println()
			fmt.Println(res.Template)
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().Bool("template", false, "print a structured rewrite of the prompt")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
