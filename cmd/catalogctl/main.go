package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fastfood-order/api/internal/di"
	"github.com/fastfood-order/api/internal/platform/config"
	"github.com/fastfood-order/api/internal/platform/observability"
	"github.com/fastfood-order/api/internal/services"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate the food-order catalogue and payments from the command line",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file loaded before the process environment")

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [menu.yaml]",
		Short: "Create or update products from a YAML menu",
		Long: `Create or update products from a YAML menu file.

Products are matched by id: unknown ids are created, known ids are updated in place.

Example menu:
  products:
    - id: x-burger
      name: X-Burger
      category: Lanche
      unit_price: "14.95"
      quantity: 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read menu: %w", err)
			}
			menu, err := parseMenu(raw)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d products parsed, nothing written\n", len(menu.Products))
				return nil
			}
			return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
				summary, err := seedProducts(ctx, c.Services.Catalog, menu)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d\n", summary.Created, summary.Updated)
				return nil
			})
		},
	}
	cmd.Flags().Bool("dry-run", false, "parse the menu without writing")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products, optionally filtered by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
				products, err := c.Services.Catalog.ListProducts(ctx, services.ProductListFilter{Category: category})
				if err != nil {
					return err
				}
				return writeProducts(cmd.OutOrStdout(), products)
			})
		},
	}
	cmd.Flags().StringP("category", "c", "", "only list this category")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll gateways for payments still awaiting confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withContainer(cmd, func(ctx context.Context, c *di.Container) error {
				summary, err := c.Services.Reconciliation.ReconcilePending(ctx, services.ReconcilePendingCommand{Limit: limit})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d applied=%d unchanged=%d relinked=%d discrepancy=%d failed=%d\n",
					summary.Checked, summary.Applied, summary.Unchanged, summary.Relinked, summary.Discrepancy, summary.Failed)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "maximum payments to check (0 uses the configured batch)")
	return cmd
}

// withContainer loads configuration from the environment and runs fn against a fully wired container.
func withContainer(cmd *cobra.Command, fn func(context.Context, *di.Container) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	var opts []config.Option
	if envFile, _ := cmd.Flags().GetString("env-file"); strings.TrimSpace(envFile) != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Security.Environment)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	container, err := di.NewContainer(ctx, cfg, logger.Named("catalogctl"))
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()
	return fn(ctx, container)
}

type menuFile struct {
	Products []menuProduct `yaml:"products"`
}

type menuProduct struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	UnitPrice   string `yaml:"unit_price"`
	Quantity    *int   `yaml:"quantity"`
}

func parseMenu(raw []byte) (menuFile, error) {
	var menu menuFile
	if err := yaml.Unmarshal(raw, &menu); err != nil {
		return menuFile{}, fmt.Errorf("parse menu: %w", err)
	}
	seen := make(map[string]struct{}, len(menu.Products))
	for i, p := range menu.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return menuFile{}, fmt.Errorf("parse menu: product %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return menuFile{}, fmt.Errorf("parse menu: duplicate product id %q", id)
		}
		seen[id] = struct{}{}
		menu.Products[i].ID = id
	}
	return menu, nil
}

type seedSummary struct {
	Created int
	Updated int
}

func seedProducts(ctx context.Context, catalog services.CatalogService, menu menuFile) (seedSummary, error) {
	var summary seedSummary
	for _, p := range menu.Products {
		cmd := services.UpsertProductCommand{
			ProductID:   p.ID,
			Name:        optional(p.Name),
			Description: optional(p.Description),
			Category:    optional(p.Category),
			UnitPrice:   optional(p.UnitPrice),
			Quantity:    p.Quantity,
		}
		_, err := catalog.GetProduct(ctx, p.ID)
		switch {
		case err == nil:
			if _, err := catalog.UpdateProduct(ctx, cmd); err != nil {
				return summary, fmt.Errorf("update %s: %w", p.ID, err)
			}
			summary.Updated++
		case errors.Is(err, services.ErrProductNotFound):
			if _, err := catalog.CreateProduct(ctx, cmd); err != nil {
				return summary, fmt.Errorf("create %s: %w", p.ID, err)
			}
			summary.Created++
		default:
			return summary, fmt.Errorf("lookup %s: %w", p.ID, err)
		}
	}
	return summary, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func writeProducts(w io.Writer, products []services.Product) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tNAME\tPRICE\tQTY")
	for _, p := range products {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Category, p.Name, p.UnitPrice.StringFixed(2), p.Quantity)
	}
	return tw.Flush()
}
