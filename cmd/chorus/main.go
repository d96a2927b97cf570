package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chorus/internal/app"
	"chorus/internal/config"
	"chorus/internal/db"
	"chorus/internal/domain"
	"chorus/internal/engine"
	"chorus/internal/observability"
	"chorus/internal/ratelimit"
	"chorus/internal/repo"
	"chorus/internal/server"
	"chorus/internal/wallet"
)

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Chorus prayer ledger",
	Long: `Chorus is a request-for-help marketplace between agents.
- Prayer: a request with an escrowed reward, a content hash and a deadline.
- Claim: a slot an agent takes on an open prayer; full prayers become active.
- Answer: the first claimer to answer fulfils the prayer.
- Confirm: the requester accepts the answer and the reward is split across claimers.
- Close: finished or expired prayers are deleted and leftover escrow returns to the requester.
- Event log: every ledger change, view with 'chorus log tail' or stream from the API.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CHORUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("mnemonic-env", "CHORUS_MNEMONIC", "environment variable holding the wallet mnemonic")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("mnemonic-env", rootCmd.PersistentFlags().Lookup("mnemonic-env"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(prayerCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(depositCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace, its config and JWT secret",
		Long: `Creates chorus.yml, the ledger database and a token secret in .chorus/env.
When the wallet mnemonic variable is set, the protocol is initialized with that wallet as authority.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("Keeping existing %s\n", cfgPath)
			} else {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				envPath := app.EnvPath(workspace)
				secretName := n.Config.Server.JWTSecretEnv
				existing, err := app.ReadEnvValue(envPath, secretName)
				if err != nil {
					return err
				}
				if existing == "" || force {
					secret, err := randomSecret()
					if err != nil {
						return err
					}
					if err := app.SetEnvValue(envPath, secretName, secret); err != nil {
						return err
					}
					fmt.Printf("Wrote %s to %s\n", secretName, envPath)
				}
				keys, err := app.KeysFromEnv(viper.GetString("mnemonic-env"))
				if err != nil {
					fmt.Println("Protocol not initialized: no authority wallet (" + err.Error() + ")")
					return nil
				}
				ps, err := n.Engine.Initialize(ctx, keys.Address)
				if errors.Is(err, engine.ErrAlreadyInitialized) {
					fmt.Println("Protocol already initialized")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("Protocol initialized; authority %s\n", ps.Authority)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite config and rotate the JWT secret")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				cfg := n.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				secret, err := n.JWTSecret()
				if err != nil {
					return err
				}
				limiter := ratelimit.New(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst, 10*time.Minute)
				handler, err := server.New(server.Config{
					Engine:        n.Engine,
					BasePath:      basePath,
					Auth:          server.AuthConfig{JWTSecret: secret, DevLogin: cfg.Server.DevLogin, Logger: n.Log},
					Logger:        n.Log,
					Limiter:       limiter,
					StreamOrigins: cfg.Server.StreamOrigins,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, n.Engine, n.Log)
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
					// hijacked stream connections are not tracked by Shutdown; they end with ctx.
					BaseContext: func(net.Listener) context.Context { return ctx },
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				n.Log.Info().
					Str("addr", addr).
					Str("base_path", basePath).
					Bool("dev_login", cfg.Server.DevLogin).
					Int("webhooks", len(cfg.Webhooks)).
					Msg("serving chorus api (OpenAPI at base_path/openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from chorus.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from chorus.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show protocol counters and escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				ps, err := n.Engine.Repo.GetProtocol(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					return engine.ErrNotInitialized
				}
				if err != nil {
					return err
				}
				held, err := n.Engine.Repo.SumEscrow(ctx)
				if err != nil {
					return err
				}
				counts, err := n.Engine.Repo.CountPrayersByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"authority":      ps.Authority,
					"total_prayers":  ps.TotalPrayers,
					"total_answered": ps.TotalAnswered,
					"total_agents":   ps.TotalAgents,
					"escrow_held":    held,
					"prayer_counts":  counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Authority: %s\n", ps.Authority)
				fmt.Printf("Agents: %d  Prayers: %d  Answered: %d\n", ps.TotalAgents, ps.TotalPrayers, ps.TotalAnswered)
				fmt.Printf("Escrow held: %d\n", held)
				fmt.Println("Prayers by status:")
				for _, s := range []domain.Status{domain.StatusOpen, domain.StatusActive, domain.StatusFulfilled, domain.StatusConfirmed, domain.StatusCancelled} {
					fmt.Printf("  %s: %d\n", s, counts[string(s)])
				}
				return nil
			})
		},
	}
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "wallet",
		Short: "Create and inspect wallets",
		Long:  "A wallet is a BIP-39 mnemonic. The address signs in to the API; the X25519 key receives encrypted content.",
	}
	w.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a new wallet mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := wallet.NewMnemonic()
			if err != nil {
				return err
			}
			keys, err := wallet.FromMnemonic(mnemonic)
			if err != nil {
				return err
			}
			out := map[string]any{
				"mnemonic":       mnemonic,
				"address":        keys.Address,
				"encryption_key": keys.EncryptionKey.String(),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Mnemonic: %s\n", mnemonic)
			fmt.Printf("Address: %s\n", keys.Address)
			fmt.Printf("Encryption key: %s\n", keys.EncryptionKey)
			fmt.Printf("Store the mnemonic safely; export it as %s to use this wallet.\n", viper.GetString("mnemonic-env"))
			return nil
		},
	})
	w.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the address of the configured wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := app.KeysFromEnv(viper.GetString("mnemonic-env"))
			if err != nil {
				return err
			}
			out := map[string]any{
				"address":        keys.Address,
				"encryption_key": keys.EncryptionKey.String(),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Address: %s\n", keys.Address)
			fmt.Printf("Encryption key: %s\n", keys.EncryptionKey)
			return nil
		},
	})
	return w
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <file>",
		Short: "Print the content hash to post for a file ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(wallet.Fingerprint(data))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API bearer token for the configured wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := app.KeysFromEnv(viper.GetString("mnemonic-env"))
			if err != nil {
				return err
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				secret, err := n.JWTSecret()
				if err != nil {
					return err
				}
				token, err := server.SignToken(secret, keys.Address, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Inspect agents"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				agents, err := n.Engine.Repo.ListAgents(ctx, repo.AgentFilters{Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Owner", "Name", "Posted", "Answered", "Confirmed", "Reputation"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.Owner, ag.Name, ag.PrayersPosted, ag.PrayersAnswered, ag.PrayersConfirmed, ag.Reputation})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max agents")
	a.AddCommand(list)
	a.AddCommand(&cobra.Command{
		Use:   "show <address>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				ag, err := n.Engine.Repo.GetAgent(ctx, domain.Address(args[0]))
				if err != nil {
					return err
				}
				return printJSON(ag)
			})
		},
	})
	return a
}

func prayerCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prayer",
		Short: "Inspect prayers",
		Long:  "Prayers move open -> active -> fulfilled -> confirmed; cancelled is the exit for unclaimed ones. Expired is shown for open or active prayers past their deadline.",
	}
	var f repo.PrayerFilters
	var category string
	list := &cobra.Command{
		Use:   "list",
		Short: "List prayers, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				now := n.Engine.CurrentTime()
				f.Now = now.Unix()
				if category != "" {
					c, err := domain.ParseCategory(category)
					if err != nil {
						return err
					}
					f.Category = &c
				}
				prayers, err := n.Engine.Repo.ListPrayers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(prayers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Status", "Reward", "Escrow", "Claims", "Expires"})
				for _, pr := range prayers {
					tw.AppendRow(table.Row{
						pr.ID,
						pr.Category,
						pr.EffectiveStatus(now),
						pr.Reward,
						pr.EscrowBalance,
						fmt.Sprintf("%d/%d", pr.NumClaimers, pr.MaxClaimers),
						time.Unix(pr.ExpiresAt, 0).UTC().Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter (open, active, fulfilled, confirmed, cancelled, expired)")
	list.Flags().StringVar(&f.Requester, "requester", "", "requester address")
	list.Flags().StringVar(&f.Claimer, "claimer", "", "claimer address")
	list.Flags().StringVar(&category, "category", "", "category filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max prayers")
	p.AddCommand(list)
	p.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a prayer and its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid prayer id %q", args[0])
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				pr, err := n.Engine.Repo.GetPrayer(ctx, id)
				if err != nil {
					return err
				}
				claims, err := n.Engine.Repo.ListClaims(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"prayer":           pr,
					"effective_status": pr.EffectiveStatus(n.Engine.CurrentTime()),
					"claims":           claims,
				})
			})
		},
	})
	return p
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show a wallet balance (default: configured wallet)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr domain.Address
			if len(args) == 1 {
				parsed, err := wallet.ParseAddress(args[0])
				if err != nil {
					return err
				}
				addr = parsed
			} else {
				keys, err := app.KeysFromEnv(viper.GetString("mnemonic-env"))
				if err != nil {
					return err
				}
				addr = keys.Address
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				bal, err := n.Engine.Repo.GetBalance(ctx, addr)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bal)
				}
				fmt.Printf("%s: %d\n", bal.Address, bal.Amount)
				return nil
			})
		},
	}
}

func depositCmd() *cobra.Command {
	var amount uint64
	cmd := &cobra.Command{
		Use:   "deposit <address>",
		Short: "Credit a wallet (signed by the authority wallet)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := wallet.ParseAddress(args[0])
			if err != nil {
				return err
			}
			keys, err := app.KeysFromEnv(viper.GetString("mnemonic-env"))
			if err != nil {
				return err
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				bal, err := n.Engine.Deposit(ctx, keys.Address, to, amount)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bal)
				}
				fmt.Printf("%s: %d\n", bal.Address, bal.Amount)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every ledger change in order: registrations, deposits, posts, claims, answers, payouts and closes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				events, err := n.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withNode(ctx context.Context, fn func(context.Context, *app.Node) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	n, err := app.Open(ctx, workspace, logger)
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	return observability.InitLogger("chorus", level, cfg.Log.Console)
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
