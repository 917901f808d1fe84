package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	golsp "github.com/sourcegraph/go-lsp"

	"github.com/dcode-agent/dcode/internal/agent"
	"github.com/dcode-agent/dcode/internal/config"
	"github.com/dcode-agent/dcode/internal/engineinit"
	"github.com/dcode-agent/dcode/internal/executor"
	"github.com/dcode-agent/dcode/internal/hook"
	"github.com/dcode-agent/dcode/internal/index"
	"github.com/dcode-agent/dcode/internal/lsp"
	"github.com/dcode-agent/dcode/internal/permission"
	"github.com/dcode-agent/dcode/internal/persist"
	"github.com/dcode-agent/dcode/internal/provider"
	"github.com/dcode-agent/dcode/internal/session"
	"github.com/dcode-agent/dcode/internal/tool"
)

var (
	version = "2.0.0"
	commit  = "dev"
)

// dcode's CLI surface is intentionally thin: the core execution engine
// exposes a library-level API (executor, session, index, lsp, ...), and
// this binary exists to exercise it, not to reproduce a full product
// surface. See spec §6.
func main() {
	engineinit.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "dcode",
		Short:         "dcode runs the core agent execution engine for one turn at a time",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("workdir", ".", "working directory the engine operates in")
	rootCmd.PersistentFlags().String("model", "gpt-4o-mini", "model identifier passed to the provider")
	rootCmd.PersistentFlags().String("base-url", "", "OpenAI-compatible API base URL (empty = api.openai.com)")
	rootCmd.PersistentFlags().String("agent", "coder", "built-in agent to run as")

	rootCmd.AddCommand(
		runCmd(),
		toolsCmd(),
		agentsCmd(),
		sessionsCmd(),
		indexCmd(),
		lspCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadEngineConfig() (*config.EngineConfig, error) {
	return config.Load("", nil)
}

func newProvider(cmd *cobra.Command) (provider.Provider, string, error) {
	model, _ := cmd.Flags().GetString("model")
	baseURL, _ := cmd.Flags().GetString("base-url")
	apiKey := os.Getenv("OPENAI_API_KEY")
	prov, err := provider.CreateProvider(apiKey, baseURL, []string{model})
	if err != nil {
		return nil, "", err
	}
	return prov, model, nil
}

// runCmd drives one full agent turn: it sends the prompt plus the
// registry's tool definitions to the provider, and for every tool_use
// block the model returns, dispatches it through the C7 scheduler and
// feeds the result back, until the model stops asking for tools or
// maxSteps is reached.
func runCmd() *cobra.Command {
	var maxSteps int
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single agent turn against the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, _ := cmd.Flags().GetString("workdir")
			agentName, _ := cmd.Flags().GetString("agent")
			workdir, err := filepath.Abs(workdir)
			if err != nil {
				return err
			}

			cfg, err := loadEngineConfig()
			if err != nil {
				return err
			}
			prov, model, err := newProvider(cmd)
			if err != nil {
				return err
			}

			a := agent.GetAgent(agentName)
			systemPrompt := agent.GetSystemPrompt(agentName)

			registry := tool.GetRegistry()
			if len(a.Tools) > 0 {
				registry.SetAllowedToolNames(a.Tools)
			}

			store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
			if err != nil {
				return err
			}
			sess, err := store.Create(a.Name, model, prov.Name())
			if err != nil {
				return err
			}

			mgr := session.NewManager(nil)
			mgr.RecordItems(session.Message{ID: "u1", Role: "user", Content: args[0]})

			persistStore := persist.New(filepath.Join(cfg.DataDir, "artifacts"))
			sched := executor.NewScheduler()
			sched.Registry = registry
			sched.Rules = permission.NewRuleSet()
			sched.Hooks = hook.NewRegistry()
			sched.Persist = persistStore
			sched.NewToolContext = func(callID string) *tool.ToolContext {
				return &tool.ToolContext{
					SessionID: sess.ID,
					MessageID: callID,
					WorkDir:   workdir,
					Abort:     cmd.Context(),
					Mode:      permission.ModeDefault,
				}
			}
			sched.OnEvent(func(e executor.Event) {
				switch e.Kind {
				case executor.ToolUseStarted:
					fmt.Fprintf(os.Stderr, "-> %s\n", e.Name)
				case executor.ToolUseCompleted:
					fmt.Fprintf(os.Stderr, "<- %s (error=%v)\n", e.Name, e.IsError)
				}
			})

			toolDefs := toProviderTools(registry.ToProviderTools(a.Tools))

			for step := 0; step < maxSteps; step++ {
				req := &provider.MessageRequest{
					Model:     model,
					System:    systemPrompt,
					Messages:  toProviderMessages(mgr.ForPrompt(false)),
					MaxTokens: 4096,
					Tools:     toolDefs,
				}
				resp, err := prov.CreateMessage(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("provider call: %w", err)
				}

				assistant := session.Message{ID: fmt.Sprintf("a%d", step), Role: "assistant"}
				var calls []executor.ToolCall
				for _, block := range resp.Content {
					switch block.Type {
					case "text":
						assistant.Content += block.Text
						fmt.Println(block.Text)
					case "tool_use":
						calls = append(calls, executor.ToolCall{CallID: block.ID, Name: block.Name, Input: block.Input})
						assistant.Parts = append(assistant.Parts, session.Part{
							Type: "tool_use", ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input,
						})
					}
				}
				mgr.RecordItems(assistant)
				_ = store.AddMessage(sess.ID, assistant)

				if len(calls) == 0 || resp.StopReason != "tool_use" {
					return nil
				}

				for _, call := range calls {
					sched.OnToolComplete(cmd.Context(), call)
				}
				sched.ExecutePendingUnsafe(cmd.Context())
				results := sched.Drain()

				toolMsg := session.Message{ID: fmt.Sprintf("t%d", step), Role: "user"}
				for _, r := range results {
					content := ""
					if r.Result != nil {
						content = r.Result.Output
					}
					toolMsg.Parts = append(toolMsg.Parts, session.Part{
						Type: "tool_result", ToolID: r.CallID, ToolName: r.Name, Content: content, IsError: r.Result != nil && r.Result.IsError,
					})
				}
				mgr.RecordItems(toolMsg)
				_ = store.AddMessage(sess.ID, toolMsg)
			}
			return fmt.Errorf("reached max steps (%d) without the model finishing the turn", maxSteps)
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 12, "maximum model/tool round trips before aborting the turn")
	return cmd
}

func toProviderTools(tools []tool.ProviderTool) []provider.Tool {
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

func toProviderMessages(messages []session.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		if len(m.Parts) == 0 {
			out = append(out, provider.Message{Role: m.Role, Content: m.Content})
			continue
		}
		var blocks []provider.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, provider.ContentBlock{Type: "text", Text: m.Content})
		}
		for _, p := range m.Parts {
			switch p.Type {
			case "tool_use":
				blocks = append(blocks, provider.ContentBlock{Type: "tool_use", ID: p.ToolID, Name: p.ToolName, Input: p.ToolInput})
			case "tool_result":
				blocks = append(blocks, provider.ContentBlock{Type: "tool_result", ToolUseID: p.ToolID, Content: p.Content, IsError: p.IsError})
			}
		}
		out = append(out, provider.Message{Role: m.Role, Content: blocks})
	}
	return out
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := tool.GetRegistry().List()
			sort.Strings(names)
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List built-in agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range agent.ListAgents("coder") {
				fmt.Printf("%-12s %s\n", a.Name, a.Description)
			}
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEngineConfig()
			if err != nil {
				return err
			}
			store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
			if err != nil {
				return err
			}
			for _, s := range store.List() {
				fmt.Printf("%s  %-8s  %s\n", s.ID, s.Status, s.Title)
			}
			return nil
		},
	}
	return cmd
}

// indexCmd exercises C9: building and querying the hybrid retrieval index.
func indexCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Query the code index (C9)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the index needs (re)building",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEngineConfig()
			if err != nil {
				return err
			}
			const embeddingDim = 1536 // text-embedding-3-small
			store, err := index.Open(cmd.Context(), cfg.VectorStorePath, embeddingDim)
			if err != nil {
				return err
			}
			defer store.Close()
			needs, err := store.NeedsIndex(cmd.Context(), index.IndexPolicy{})
			if err != nil {
				return err
			}
			fmt.Printf("needs reindex: %v\n", needs)
			return nil
		},
	})
	return cmd
}

// lspCmd exercises C10: dialing the pool for a language and reporting
// whether the server responds.
func lspCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lsp", Short: "Inspect the language server pool (C10)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [language]",
		Short: "Health-check the language server for a language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, _ := cmd.Flags().GetString("workdir")
			workdir, _ = filepath.Abs(workdir)
			language := args[0]

			pool := lsp.NewPool(func(lang string) (lsp.Transport, error) {
				return nil, fmt.Errorf("no transport configured for %s outside the LSP tool", lang)
			})
			client, err := pool.Client(cmd.Context(), language, golsp.DocumentURI("file://"+workdir))
			if err != nil {
				fmt.Println("unavailable:", err)
				return nil
			}
			fmt.Println("healthy:", client.HealthCheck(cmd.Context()))
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{"version": version, "commit": commit}
			out, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
