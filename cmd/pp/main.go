package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"passbook/internal/app"
	"passbook/internal/config"
	"passbook/internal/db"
	"passbook/internal/domain"
	"passbook/internal/engine"
	"passbook/internal/engine/proof"
	"passbook/internal/migrate"
	"passbook/internal/repo"
	"passbook/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pp",
	Short: "Passbook CLI",
	Long: `Passbook runs event reward programs with soulbound passports.
- Workspace: your .passbook directory holding the database and passbook.yml.
- Event: a reward program with a funded point pool and a time window.
- Missions: numbered objectives inside an event, each with a fixed reward.
- Passport: one non-transferable record per address collecting attestations.
- Claims: signed completion proofs from the event verifier; each mission
  pays a passport at most once.
- Capabilities: unforgeable admin handles minted at event creation
  (event_admin gates missions and status, pool_admin gates grants).
- Log: append-only notification stream, view with 'pp log tail'.`,
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
	viper.SetEnvPrefix("PASSBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor address (0x...)")
	rootCmd.PersistentFlags().String("event", "", "event id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("event", rootCmd.PersistentFlags().Lookup("event"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(passportCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorAddress() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor"))
	if actor == "" {
		return "", fmt.Errorf("--actor required (or set PASSBOOK_ACTOR)")
	}
	if !common.IsHexAddress(actor) {
		return "", fmt.Errorf("invalid actor address %q", actor)
	}
	return common.HexToAddress(actor).Hex(), nil
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Manage events"}
	ev.AddCommand(eventCreateCmd())
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventShowCmd())
	ev.AddCommand(eventFundCmd())
	ev.AddCommand(eventStatusCmd())
	return ev
}

func eventCreateCmd() *cobra.Command {
	var name, desc, startsAt, endsAt, verifier string
	var durationHours int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event and mint its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				start := time.Now().UTC()
				if startsAt != "" {
					start, err = time.Parse(time.RFC3339, startsAt)
					if err != nil {
						return fmt.Errorf("invalid --starts-at: %w", err)
					}
				}
				var end time.Time
				switch {
				case endsAt != "":
					end, err = time.Parse(time.RFC3339, endsAt)
					if err != nil {
						return fmt.Errorf("invalid --ends-at: %w", err)
					}
				case durationHours > 0:
					end = start.Add(time.Duration(durationHours) * time.Hour)
				case e.Config != nil && e.Config.Defaults.DurationHours > 0:
					end = start.Add(time.Duration(e.Config.Defaults.DurationHours) * time.Hour)
				default:
					return fmt.Errorf("--ends-at or --duration-hours required")
				}
				if verifier == "" && e.Config != nil {
					verifier = e.Config.Defaults.Verifier
				}
				ev, caps, err := e.CreateEvent(ctx, engine.EventCreateOptions{
					Name:            name,
					Description:     desc,
					StartsAt:        start,
					EndsAt:          end,
					VerifierAddress: verifier,
					OperatorAddress: actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"event":        ev,
					"capabilities": caps,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "start time (RFC3339, default now)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "end time (RFC3339)")
	cmd.Flags().IntVar(&durationHours, "duration-hours", 0, "event duration from start")
	cmd.Flags().StringVar(&verifier, "verifier", "", "verifier address")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func eventListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Balance", "Distributed", "Starts", "Ends"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.Active, ev.Balance, ev.TotalDistributed, ev.StartsAt, ev.EndsAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, args, e.Repo)
				if err != nil {
					return err
				}
				ev, err := e.Repo.GetEvent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventFundCmd() *cobra.Command {
	var amount uint64
	cmd := &cobra.Command{
		Use:   "fund [id]",
		Short: "Credit the event pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, args, e.Repo)
				if err != nil {
					return err
				}
				ev, err := e.FundEvent(ctx, id, amount, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "points to add")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func eventStatusCmd() *cobra.Command {
	var capID string
	var active bool
	cmd := &cobra.Command{
		Use:   "set-status [id]",
		Short: "Open or close an event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, args, e.Repo)
				if err != nil {
					return err
				}
				ev, err := e.SetEventStatus(ctx, capID, id, active, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&capID, "capability", "", "event_admin capability id")
	cmd.Flags().BoolVar(&active, "active", true, "desired state")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionAddCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionStatusCmd())
	return m
}

func missionAddCmd() *cobra.Command {
	var capID, title, desc, verifier string
	var reward uint64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mission to the event",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				m, err := e.AddMission(ctx, engine.MissionAddOptions{
					CapabilityID:    capID,
					EventID:         id,
					Title:           title,
					Description:     desc,
					RewardAmount:    reward,
					VerifierAddress: verifier,
					Actor:           actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capID, "capability", "", "event_admin capability id")
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Uint64Var(&reward, "reward", 0, "reward amount")
	cmd.Flags().StringVar(&verifier, "verifier", "", "per-mission verifier override")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func missionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListMissions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Reward", "Active", "Completions"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.MissionID, m.Title, m.RewardAmount, m.Active, m.Completions})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionShowCmd() *cobra.Command {
	var missionID uint64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				view, err := e.GetMission(ctx, id, missionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().Uint64Var(&missionID, "mission", 0, "mission id")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func missionStatusCmd() *cobra.Command {
	var capID string
	var missionID uint64
	var active bool
	cmd := &cobra.Command{
		Use:   "set-status",
		Short: "Pause or resume a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				m, err := e.SetMissionStatus(ctx, capID, id, missionID, active, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capID, "capability", "", "event_admin capability id")
	cmd.Flags().Uint64Var(&missionID, "mission", 0, "mission id")
	cmd.Flags().BoolVar(&active, "active", true, "desired state")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func passportCmd() *cobra.Command {
	p := &cobra.Command{Use: "passport", Short: "Manage passports"}
	p.AddCommand(passportRegisterCmd())
	p.AddCommand(passportShowCmd())
	p.AddCommand(passportMeCmd())
	return p
}

func passportRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a passport for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RegisterPassport(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func passportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <passport-id>",
		Short: "Show a passport with its attestations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetPassportView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func passportMeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "me",
		Short: "Show the actor's passport",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPassportByOwner(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{Use: "claim", Short: "Claim mission rewards"}
	c.AddCommand(claimSubmitCmd())
	c.AddCommand(claimSignCmd())
	return c
}

func claimSubmitCmd() *cobra.Command {
	var missionID uint64
	var signature, nonce, issuedAt string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a completion proof",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
				if err != nil {
					return fmt.Errorf("invalid --signature: %w", err)
				}
				issued := time.Now().UTC()
				if issuedAt != "" {
					issued, err = time.Parse(time.RFC3339, issuedAt)
					if err != nil {
						return fmt.Errorf("invalid --issued-at: %w", err)
					}
				}
				if nonce == "" {
					nonce = uuid.NewString()
				}
				att, err := e.Claim(ctx, engine.ClaimOptions{
					EventID:   id,
					MissionID: missionID,
					Claimant:  actor,
					Proof: proof.Proof{
						Signature: sig,
						Nonce:     nonce,
						IssuedAt:  issued,
					},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(att)
			})
		},
	}
	cmd.Flags().Uint64Var(&missionID, "mission", 0, "mission id")
	cmd.Flags().StringVar(&signature, "signature", "", "hex verifier signature")
	cmd.Flags().StringVar(&nonce, "nonce", "", "proof nonce (generated if omitted)")
	cmd.Flags().StringVar(&issuedAt, "issued-at", "", "proof timestamp (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

// claimSignCmd produces a proof locally from a verifier private key.
// Meant for testing and self-hosted verifiers.
func claimSignCmd() *cobra.Command {
	var missionID uint64
	var keyHex, claimant string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a completion proof with a verifier key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return fmt.Errorf("invalid --key: %w", err)
			}
			if !common.IsHexAddress(claimant) {
				return fmt.Errorf("invalid --claimant address")
			}
			sig, err := proof.Sign(key, common.HexToAddress(claimant), missionID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"signature": hex.EncodeToString(sig),
				"nonce":     uuid.NewString(),
				"issued_at": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().Uint64Var(&missionID, "mission", 0, "mission id")
	cmd.Flags().StringVar(&keyHex, "key", "", "verifier private key (hex)")
	cmd.Flags().StringVar(&claimant, "claimant", "", "claimant address")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("claimant")
	return cmd
}

func grantCmd() *cobra.Command {
	g := &cobra.Command{Use: "grant", Short: "Distribute grants"}
	g.AddCommand(grantDistributeCmd())
	g.AddCommand(grantListCmd())
	return g
}

func grantDistributeCmd() *cobra.Command {
	var capID string
	var recipients []string
	var amounts []int64
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Pay recipients from the event pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				payouts := make([]uint64, 0, len(amounts))
				for _, a := range amounts {
					if a <= 0 {
						return fmt.Errorf("--amount must be positive")
					}
					payouts = append(payouts, uint64(a))
				}
				grants, err := e.DistributeGrantBatch(ctx, capID, id, recipients, payouts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(grants)
			})
		},
	}
	cmd.Flags().StringVar(&capID, "capability", "", "pool_admin capability id")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "recipient address (repeatable)")
	cmd.Flags().Int64SliceVar(&amounts, "amount", nil, "amount per recipient (repeatable)")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func grantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					return err
				}
				grants, err := e.Repo.ListGrants(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(grants)
			})
		},
	}
	return cmd
}

func capabilityCmd() *cobra.Command {
	c := &cobra.Command{Use: "capability", Short: "Inspect capabilities"}
	c.AddCommand(capabilityListCmd())
	return c
}

func capabilityListCmd() *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if holder != "" {
					if !common.IsHexAddress(holder) {
						return fmt.Errorf("invalid --holder address")
					}
					holder = common.HexToAddress(holder).Hex()
				}
				items, err := r.ListCapabilities(ctx, holder)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "filter by holder address")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "pbk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:           uuid.NewString(),
					ActorAddress: actor,
					Name:         name,
					KeyHash:      repo.HashAPIKey(secret),
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
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
				// The secret is shown once and never stored.
				return printJSON(map[string]any{
					"id":            key.ID,
					"actor_address": key.ActorAddress,
					"name":          key.Name,
					"secret":        secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorAddress()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate passbook.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default passbook.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "passbook", "event name seed")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Notification log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var entryType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := targetEvent(ctx, nil, e.Repo)
				if err != nil {
					// Logs exist before any event does.
					id = ""
				}
				entries, err := e.Repo.LatestLog(ctx, n, id, entryType, entityKind, entityID)
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
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, devLogin bool
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
			cfg, err := app.ResolveConfig(workspace, "passbook")
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PASSBOOK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				EnableDevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PASSBOOK_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Passbook API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Address without auth")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable /auth/dev/login")
	return cmd
}

// --- helpers ---

func targetEvent(ctx context.Context, args []string, r repo.Repo) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	return app.ResolveEvent(ctx, viper.GetString("workspace"), viper.GetString("event"), r)
}

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
	cfg, err := app.ResolveConfig(workspace, "passbook")
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
