// Command marketctl is an operator tool for plan tables, fee quotes and
// sale pricing.
//
//	marketctl quote --account business --tier pro --subtotal 120 --shipping 4.99
//	marketctl price --price 80 --original 100 --sale --percent 20
//	marketctl plans validate plans.yaml
//	marketctl plans seed --dsn postgres://... plans.yaml
//	marketctl token --secret s3cret --sub ops --role admin
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/MikeMC777/marketplace-engine/internal/fees"
	"github.com/MikeMC777/marketplace-engine/internal/httpx"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
)

const usage = `usage: marketctl <command> [flags]

commands:
  quote            compute fees for one seller subtotal
  price            resolve the displayed price of a listing
  plans validate   check a plan table file
  plans seed       write a plan table to Postgres
  token            issue a signed API token
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "quote":
		return quoteCmd(args[1:], out)
	case "price":
		return priceCmd(args[1:], out)
	case "plans":
		if len(args) < 2 {
			return errors.New("plans: expected validate or seed")
		}
		switch args[1] {
		case "validate":
			return plansValidateCmd(args[2:], out)
		case "seed":
			return plansSeedCmd(ctx, args[2:], out)
		}
		return fmt.Errorf("plans: unknown subcommand %q", args[1])
	case "token":
		return tokenCmd(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %q is not a decimal", name, s)
	}
	return d, nil
}

func loadTable(path string) (*plan.Table, error) {
	if path == "" {
		return plan.DefaultTable(), nil
	}
	return plan.LoadFile(path)
}

func quoteCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("quote", pflag.ContinueOnError)
	plansFile := fs.String("plans", "", "plan table file (default: built-in table)")
	account := fs.String("account", string(plan.Personal), "account type: personal or business")
	tier := fs.String("tier", plan.FreeTier, "plan tier")
	subtotal := fs.String("subtotal", "", "seller subtotal")
	shipping := fs.String("shipping", "0", "shipping charged to the buyer")
	tax := fs.String("tax", "0", "tax charged to the buyer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	table, err := loadTable(*plansFile)
	if err != nil {
		return err
	}
	ent, ok := table.Lookup(plan.Key{AccountType: plan.AccountType(*account), Tier: *tier})
	if !ok {
		return fmt.Errorf("no plan %s/%s in table %s", *account, *tier, table.Version)
	}
	if *subtotal == "" {
		return errors.New("--subtotal is required")
	}
	sub, err := parseDecimal("subtotal", *subtotal)
	if err != nil {
		return err
	}
	var extras fees.Extras
	if extras.Shipping, err = parseDecimal("shipping", *shipping); err != nil {
		return err
	}
	if extras.Tax, err = parseDecimal("tax", *tax); err != nil {
		return err
	}
	b, err := fees.ComputeFees(sub, extras, ent)
	if err != nil {
		return err
	}
	return printJSON(out, b)
}

func priceCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("price", pflag.ContinueOnError)
	price := fs.String("price", "", "current listing price")
	original := fs.String("original", "", "was-price, if any")
	sale := fs.Bool("sale", false, "explicit sale flag")
	percent := fs.Int("percent", 0, "stored sale percent")
	endsAt := fs.String("ends-at", "", "sale end timestamp")
	at := fs.String("at", "", "evaluate at this RFC3339 time instead of now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *price == "" {
		return errors.New("--price is required")
	}
	p, err := parseDecimal("price", *price)
	if err != nil {
		return err
	}
	in := pricing.Input{Price: p, SaleActive: *sale, SalePercent: *percent}
	if *original != "" {
		o, err := parseDecimal("original", *original)
		if err != nil {
			return err
		}
		in.OriginalPrice = &o
	}
	if *endsAt != "" {
		in.SaleEndsAt = endsAt
	}
	now := time.Now().UTC()
	if *at != "" {
		if now, err = time.Parse(time.RFC3339, *at); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}
	return printJSON(out, pricing.Resolve(in, now))
}

func plansValidateCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("plans validate", pflag.ContinueOnError)
	against := fs.String("against", "", "fail unless the file is newer than this plan table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("plans validate: expected one file")
	}
	t, err := plan.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *against != "" {
		prev, err := plan.LoadFile(*against)
		if err != nil {
			return err
		}
		if !t.NewerThan(prev) {
			return fmt.Errorf("version %s is not newer than %s", t.Version, prev.Version)
		}
	}
	for _, e := range t.All() {
		limit := fmt.Sprint(e.MaxActiveListings)
		if e.Unlimited() {
			limit = "unlimited"
		}
		fmt.Fprintf(out, "%-20s listings=%-9s seller_fee=%s%% protection=%s%%+%s cap %s\n",
			e.Key(), limit, e.SellerFeePercent, e.BuyerProtectionPercent, e.BuyerProtectionFixed, e.BuyerProtectionCap)
	}
	fmt.Fprintf(out, "ok: %d plans, version %s\n", len(t.All()), t.Version)
	return nil
}

func plansSeedCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("plans seed", pflag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("POSTGRES_DSN"), "Postgres connection string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("plans seed: --dsn or POSTGRES_DSN is required")
	}
	t, err := loadTable(fs.Arg(0))
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := plan.NewPGStore(pool).Seed(ctx, t); err != nil {
		return err
	}
	fmt.Fprintf(out, "seeded %d plans, version %s\n", len(t.All()), t.Version)
	return nil
}

func tokenCmd(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret")
	issuer := fs.String("issuer", os.Getenv("JWT_ISSUER"), "token issuer")
	sub := fs.String("sub", "", "subject (user id)")
	role := fs.String("role", "", "role: admin, system or empty")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *sub == "" {
		return errors.New("token: --secret and --sub are required")
	}
	tok, err := httpx.NewTokenValidator(*secret, *issuer).Issue(*sub, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}
