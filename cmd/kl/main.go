package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"keylane/internal/app"
	"keylane/internal/config"
	"keylane/internal/db"
	"keylane/internal/domain"
	"keylane/internal/engine"
	"keylane/internal/events"
	"keylane/internal/migrate"
	"keylane/internal/repo"
	"keylane/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kl",
	Short: "Keylane CLI",
	Long: `Keylane runs a real-estate marketplace core: buyer needs, listings,
rule-based matching, compliance checks, and workflow task expansion.
- Workspace: the .keylane directory holding the database; config lives in
  keylane.yml and is imported into the DB.
- Needs and listings: what buyers want and what sellers offer; only verified
  listings are matched.
- Matches: scored (1-100) need/listing pairs with an explanation; generation
  is idempotent per pair.
- Compliance: jurisdiction/role/action rules; unknown combinations deny.
- Deals: the transaction lifecycle; advancing a stage expands that stage's
  workflow templates into tasks.
- Unlocks: pay-to-view grants for full match detail, one per actor and pair.
- Event log: diary of changes, view with 'kl log tail'.`,
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
	viper.SetEnvPrefix("KEYLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("marketplace", "", "marketplace id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("marketplace", rootCmd.PersistentFlags().Lookup("marketplace"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(needCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(complyCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			m, err := e.InitMarketplace(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(m)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "marketplace id")
	cmd.Flags().StringVar(&name, "name", "", "marketplace name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage marketplace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show marketplace config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import marketplace config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			marketplaceID := cfg.Marketplace.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if marketplaceID == "" {
					marketplaceID = e.Config.Marketplace.ID
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.UpsertMarketplaceConfigTx(ctx, tx, marketplaceID, cfg); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "config.imported", marketplaceID, "marketplace", marketplaceID, viper.GetString("actor-id"), events.EventPayload{"source": filePath}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default keylane.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "marketplace id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show marketplace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMarketplace(ctx, e.Config.Marketplace.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"marketplace_id": m.ID,
					"status":         m.Status,
					"unlock_fee":     e.UnlockFee(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Marketplace: %s (%s)\n", m.ID, m.Status)
				fmt.Printf("Unlock fee: %d cents\n", e.UnlockFee())
				return nil
			})
		},
	}
	return cmd
}

func needCmd() *cobra.Command {
	need := &cobra.Command{
		Use:   "need",
		Short: "Manage buyer needs",
		Long:  "Buyer needs describe what a buyer is searching for. Optional criteria left unset never count against a listing; a need stating nothing but a jurisdiction produces no matches.",
	}
	need.AddCommand(needCreateCmd())
	need.AddCommand(needListCmd())
	need.AddCommand(needShowCmd())
	need.AddCommand(needSetActiveCmd())
	return need
}

func needCreateCmd() *cobra.Command {
	var opts engine.NeedCreateOptions
	var locality, postalCode, propertyType string
	var priceMin, priceMax int64
	var bedsMin, bathsMin int
	var features []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a buyer need",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("locality") {
				opts.Locality = &locality
			}
			if cmd.Flags().Changed("postal-code") {
				opts.PostalCode = &postalCode
			}
			if cmd.Flags().Changed("property-type") {
				opts.PropertyType = &propertyType
			}
			if cmd.Flags().Changed("price-min") {
				opts.PriceMin = &priceMin
			}
			if cmd.Flags().Changed("price-max") {
				opts.PriceMax = &priceMax
			}
			if cmd.Flags().Changed("beds-min") {
				opts.BedsMin = &bedsMin
			}
			if cmd.Flags().Changed("baths-min") {
				opts.BathsMin = &bathsMin
			}
			var err error
			opts.Features, err = parseFeatures(features)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CreateNeed(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "need id (optional)")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer-id", "", "buyer id")
	cmd.Flags().StringVar(&opts.Jurisdiction, "jurisdiction", "", "jurisdiction code")
	cmd.Flags().StringVar(&locality, "locality", "", "preferred locality")
	cmd.Flags().StringVar(&postalCode, "postal-code", "", "preferred postal code")
	cmd.Flags().Int64Var(&priceMin, "price-min", 0, "minimum price")
	cmd.Flags().Int64Var(&priceMax, "price-max", 0, "maximum price")
	cmd.Flags().StringVar(&propertyType, "property-type", "", "property type")
	cmd.Flags().IntVar(&bedsMin, "beds-min", 0, "minimum bedrooms")
	cmd.Flags().IntVar(&bathsMin, "baths-min", 0, "minimum bathrooms")
	cmd.Flags().StringArrayVar(&features, "feature", []string{}, "requested feature key=value (repeatable)")
	_ = cmd.MarkFlagRequired("buyer-id")
	_ = cmd.MarkFlagRequired("jurisdiction")
	return cmd
}

func needListCmd() *cobra.Command {
	var buyerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List buyer needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNeeds(ctx, buyerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Buyer", "Jurisdiction", "Budget", "Active"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.BuyerID, n.Jurisdiction, budgetLabel(n), n.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "filter by buyer")
	return cmd
}

func needShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a buyer need",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.GetNeed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func needSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a need",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetNeedActive(ctx, args[0], active); err != nil {
					return err
				}
				n, err := r.GetNeed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

func listingCmd() *cobra.Command {
	listing := &cobra.Command{
		Use:   "listing",
		Short: "Manage listings",
		Long:  "Listings are properties offered for sale. Only verified listings take part in matching.",
	}
	listing.AddCommand(listingCreateCmd())
	listing.AddCommand(listingListCmd())
	listing.AddCommand(listingShowCmd())
	listing.AddCommand(listingVerifyCmd())
	return listing
}

func listingCreateCmd() *cobra.Command {
	var opts engine.ListingCreateOptions
	var features []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			var err error
			opts.Features, err = parseFeatures(features)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateListing(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "listing id (optional)")
	cmd.Flags().StringVar(&opts.SellerID, "seller-id", "", "seller id")
	cmd.Flags().StringVar(&opts.Jurisdiction, "jurisdiction", "", "jurisdiction code")
	cmd.Flags().StringVar(&opts.Locality, "locality", "", "locality")
	cmd.Flags().StringVar(&opts.PostalCode, "postal-code", "", "postal code")
	cmd.Flags().Int64Var(&opts.Price, "price", 0, "asking price")
	cmd.Flags().StringVar(&opts.PropertyType, "property-type", "", "property type")
	cmd.Flags().IntVar(&opts.Beds, "beds", 0, "bedrooms")
	cmd.Flags().IntVar(&opts.Baths, "baths", 0, "bathrooms")
	cmd.Flags().StringArrayVar(&features, "feature", []string{}, "feature key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Verified, "verified", false, "mark as verified")
	_ = cmd.MarkFlagRequired("seller-id")
	_ = cmd.MarkFlagRequired("jurisdiction")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func listingListCmd() *cobra.Command {
	var sellerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListListings(ctx, sellerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seller", "Jurisdiction", "Locality", "Price", "Verified"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.SellerID, l.Jurisdiction, l.Locality, l.Price, l.Verified})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sellerID, "seller-id", "", "filter by seller")
	return cmd
}

func listingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				l, err := r.GetListing(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func listingVerifyCmd() *cobra.Command {
	var verified bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Set listing verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.VerifyListing(ctx, args[0], verified, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().BoolVar(&verified, "verified", true, "verified flag")
	return cmd
}

func matchCmd() *cobra.Command {
	match := &cobra.Command{
		Use:   "match",
		Short: "Generate and inspect matches",
	}
	match.AddCommand(matchGenerateCmd())
	match.AddCommand(matchListCmd())
	return match
}

func matchGenerateCmd() *cobra.Command {
	var needID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate matches for a need",
		RunE: func(cmd *cobra.Command, args []string) error {
			if needID == "" {
				return fmt.Errorf("--need required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.GenerateMatches(ctx, needID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(matches)
				}
				fmt.Printf("Created %d match(es)\n", len(matches))
				renderMatches(matches)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	_ = cmd.MarkFlagRequired("need")
	return cmd
}

func matchListCmd() *cobra.Command {
	var needID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matches for a need, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if needID == "" {
				return fmt.Errorf("--need required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.MatchesForNeed(ctx, needID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(matches)
				}
				renderMatches(matches)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	_ = cmd.MarkFlagRequired("need")
	return cmd
}

func renderMatches(matches []domain.Match) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Listing", "Score", "Explanation"})
	for _, m := range matches {
		tw.AppendRow(table.Row{m.ID, m.ListingID, m.Score, m.Explanation})
	}
	tw.Render()
}

func complyCmd() *cobra.Command {
	comply := &cobra.Command{
		Use:   "comply",
		Short: "Compliance rule checks",
		Long:  "Compliance rules are keyed jurisdiction/role/action. Anything not explicitly allowed is denied.",
	}
	comply.AddCommand(complyCheckCmd())
	comply.AddCommand(complyActionsCmd())
	return comply
}

func complyCheckCmd() *cobra.Command {
	var action, role, jurisdiction string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a role may perform an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				allowed := e.CanPerform(action, role, jurisdiction)
				out := map[string]any{
					"action":       action,
					"role":         role,
					"jurisdiction": strings.ToLower(jurisdiction),
					"allowed":      allowed,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				verdict := "DENY"
				if allowed {
					verdict = "ALLOW"
				}
				fmt.Printf("%s: %s may %s in %s\n", verdict, role, action, strings.ToLower(jurisdiction))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "action id")
	cmd.Flags().StringVar(&role, "role", "", "actor role")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction code")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("jurisdiction")
	return cmd
}

func complyActionsCmd() *cobra.Command {
	var role, jurisdiction string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List permitted actions for a role in a jurisdiction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions := e.PermittedActions(role, jurisdiction)
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				if len(actions) == 0 {
					fmt.Println("(none)")
					return nil
				}
				for _, a := range actions {
					fmt.Println(a)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "actor role")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction code")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("jurisdiction")
	return cmd
}

func unlockCmd() *cobra.Command {
	unlock := &cobra.Command{
		Use:   "unlock",
		Short: "Manage match unlocks",
	}
	unlock.AddCommand(unlockGrantCmd())
	unlock.AddCommand(unlockStatusCmd())
	unlock.AddCommand(unlockFeeCmd())
	return unlock
}

func unlockGrantCmd() *cobra.Command {
	var needID, listingID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Unlock full match detail for a need/listing pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Unlock(ctx, viper.GetString("actor-id"), needID, listingID)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id")
	_ = cmd.MarkFlagRequired("need")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func unlockStatusCmd() *cobra.Command {
	var needID, listingID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a pair is unlocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				unlocked, err := e.IsUnlocked(ctx, viper.GetString("actor-id"), needID, listingID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"need_id":    needID,
					"listing_id": listingID,
					"unlocked":   unlocked,
				})
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id")
	_ = cmd.MarkFlagRequired("need")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func unlockFeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Show the configured unlock fee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(map[string]int64{"fee_cents": e.UnlockFee()})
			})
		},
	}
	return cmd
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
		Long:  "Deals track a transaction from search to closed. Advancing the stage expands that stage's workflow templates into tasks.",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealStageCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var opts engine.DealCreateOptions
	var needID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("need") {
				opts.NeedID = &needID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "deal id (optional)")
	cmd.Flags().StringVar(&opts.ListingID, "listing", "", "listing id")
	cmd.Flags().StringVar(&needID, "need", "", "need id (optional)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "initial stage (default search)")
	cmd.Flags().StringArrayVar(&opts.Participants, "participant", []string{}, "participant actor id (repeatable)")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func dealListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeals(ctx, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Listing", "Jurisdiction", "Stage"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ListingID, d.Jurisdiction, d.Stage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealStageCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "stage <id>",
		Short: "Advance a deal to a new stage and expand its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, tasks, err := e.SetDealStage(ctx, args[0], stage, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deal": d, "tasks": tasks})
				}
				fmt.Printf("Deal %s -> %s (%d task(s) created)\n", d.ID, d.Stage, len(tasks))
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are expanded from workflow templates per stage. Statuses go pending -> in_progress -> completed; blocked and skipped are side exits. Completion requires dependencies to be completed or skipped.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskExpandCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ContextType, "context-type", "", "context type (listing, deal)")
	cmd.Flags().StringVar(&f.ContextID, "context-id", "", "context id")
	cmd.Flags().StringVar(&f.Role, "role", "", "filter by role")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	return cmd
}

func renderTasks(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Role", "Status", "Due"})
	for _, t := range tasks {
		due := ""
		if t.DueAt != nil {
			due = *t.DueAt
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Role, t.Status, due})
	}
	tw.Render()
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskExpandCmd() *cobra.Command {
	var opts engine.ExpandStageOptions
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Expand a stage's workflow templates into tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ExpandStage(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				fmt.Printf("Created %d task(s)\n", len(tasks))
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ContextType, "context-type", "deal", "context type (listing, deal)")
	cmd.Flags().StringVar(&opts.ContextID, "context-id", "", "context id")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "stage to expand")
	cmd.Flags().StringVar(&opts.Role, "role", "", "limit to templates for this role")
	_ = cmd.MarkFlagRequired("context-id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				secret := uuid.New().String()
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, k); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The plaintext key is shown once; only the hash is stored.
				return printJSONOrTable(map[string]string{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"key":      secret,
				})
			})
		},
	}
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
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
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

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Marketplace.ID, evtType, entityKind, entityID)
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
			_, cfg, err := app.ResolveMarketplaceAndConfig(cmd.Context(), workspace, viper.GetString("marketplace"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("KEYLANE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("KEYLANE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Keylane API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	_, cfg, err := app.ResolveMarketplaceAndConfig(ctx, workspace, viper.GetString("marketplace"), viper.GetString("actor-id"), r)
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

func parseFeatures(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	features := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid feature %q: expected key=value", p)
		}
		features[key] = value
	}
	return features, nil
}

func budgetLabel(n domain.BuyerNeed) string {
	switch {
	case n.PriceMin != nil && n.PriceMax != nil:
		return fmt.Sprintf("%d-%d", *n.PriceMin, *n.PriceMax)
	case n.PriceMax != nil:
		return fmt.Sprintf("<=%d", *n.PriceMax)
	case n.PriceMin != nil:
		return fmt.Sprintf(">=%d", *n.PriceMin)
	default:
		return ""
	}
}
