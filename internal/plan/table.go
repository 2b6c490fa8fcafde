package plan

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Table is a versioned set of plan rows keyed by (account type, tier).
// Every Entitlement read from a Table carries the table version, so a fee
// breakdown can always say which configuration produced it.
type Table struct {
	Version *semver.Version
	plans   map[Key]Entitlement
}

type tableFile struct {
	Version string    `yaml:"version"`
	Plans   []planRow `yaml:"plans"`
}

type planRow struct {
	AccountType            string `yaml:"account_type"`
	Tier                   string `yaml:"tier"`
	MaxActiveListings      *int   `yaml:"max_active_listings"`
	SellerFeePercent       string `yaml:"seller_fee_percent"`
	BuyerProtectionPercent string `yaml:"buyer_protection_percent"`
	BuyerProtectionFixed   string `yaml:"buyer_protection_fixed"`
	BuyerProtectionCap     string `yaml:"buyer_protection_cap"`
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func (r planRow) entitlement(version string) (Entitlement, error) {
	e := Entitlement{
		AccountType: AccountType(r.AccountType),
		Tier:        r.Tier,
		Version:     version,
	}
	if r.MaxActiveListings == nil {
		return e, fmt.Errorf("%s/%s: max_active_listings is required", r.AccountType, r.Tier)
	}
	e.MaxActiveListings = *r.MaxActiveListings
	var err error
	if e.SellerFeePercent, err = parseAmount("seller_fee_percent", r.SellerFeePercent); err != nil {
		return e, err
	}
	if e.BuyerProtectionPercent, err = parseAmount("buyer_protection_percent", r.BuyerProtectionPercent); err != nil {
		return e, err
	}
	if e.BuyerProtectionFixed, err = parseAmount("buyer_protection_fixed", r.BuyerProtectionFixed); err != nil {
		return e, err
	}
	if e.BuyerProtectionCap, err = parseAmount("buyer_protection_cap", r.BuyerProtectionCap); err != nil {
		return e, err
	}
	return e, e.Validate()
}

// NewTable validates rows and stamps them with version.
func NewTable(version string, rows []Entitlement) (*Table, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("plan table version %q: %w", version, err)
	}
	t := &Table{Version: v, plans: make(map[Key]Entitlement, len(rows))}
	for _, e := range rows {
		e.Version = v.String()
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("plan %s: %w", e.Key(), err)
		}
		if _, dup := t.plans[e.Key()]; dup {
			return nil, fmt.Errorf("plan %s defined twice", e.Key())
		}
		t.plans[e.Key()] = e
	}
	return t, nil
}

// LoadTable parses a YAML plan table.
func LoadTable(r io.Reader) (*Table, error) {
	var f tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode plan table: %w", err)
	}
	rows := make([]Entitlement, 0, len(f.Plans))
	for _, pr := range f.Plans {
		e, err := pr.entitlement(f.Version)
		if err != nil {
			return nil, fmt.Errorf("plan %s/%s: %w", pr.AccountType, pr.Tier, err)
		}
		rows = append(rows, e)
	}
	return NewTable(f.Version, rows)
}

func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadTable(f)
}

func (t *Table) Lookup(k Key) (Entitlement, bool) {
	e, ok := t.plans[k]
	return e, ok
}

// All returns the rows ordered by account type then tier.
func (t *Table) All() []Entitlement {
	out := make([]Entitlement, 0, len(t.plans))
	for _, e := range t.plans {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountType != out[j].AccountType {
			return out[i].AccountType < out[j].AccountType
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// NewerThan reports whether t supersedes other.
func (t *Table) NewerThan(other *Table) bool {
	if other == nil {
		return true
	}
	return t.Version.GreaterThan(other.Version)
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DefaultTable is the built-in plan table used when no PLANS_FILE is configured.
func DefaultTable() *Table {
	rows := []Entitlement{
		{AccountType: Personal, Tier: FreeTier, MaxActiveListings: 10,
			SellerFeePercent: decimal.Zero, BuyerProtectionPercent: pct("4"), BuyerProtectionFixed: pct("0.50"), BuyerProtectionCap: pct("15")},
		{AccountType: Personal, Tier: "plus", MaxActiveListings: 50,
			SellerFeePercent: decimal.Zero, BuyerProtectionPercent: pct("3.5"), BuyerProtectionFixed: pct("0.40"), BuyerProtectionCap: pct("12")},
		{AccountType: Personal, Tier: "pro", MaxActiveListings: 200,
			SellerFeePercent: decimal.Zero, BuyerProtectionPercent: pct("3"), BuyerProtectionFixed: pct("0.30"), BuyerProtectionCap: pct("10")},
		{AccountType: Business, Tier: FreeTier, MaxActiveListings: 10,
			SellerFeePercent: pct("12"), BuyerProtectionPercent: pct("4"), BuyerProtectionFixed: pct("0.50"), BuyerProtectionCap: pct("15")},
		{AccountType: Business, Tier: "starter", MaxActiveListings: 100,
			SellerFeePercent: pct("10"), BuyerProtectionPercent: pct("3"), BuyerProtectionFixed: pct("0.30"), BuyerProtectionCap: pct("10")},
		{AccountType: Business, Tier: "pro", MaxActiveListings: 1000,
			SellerFeePercent: pct("8"), BuyerProtectionPercent: pct("2.5"), BuyerProtectionFixed: pct("0.25"), BuyerProtectionCap: pct("8")},
		{AccountType: Business, Tier: "enterprise", MaxActiveListings: Unlimited,
			SellerFeePercent: pct("6"), BuyerProtectionPercent: pct("2"), BuyerProtectionFixed: pct("0.20"), BuyerProtectionCap: pct("6")},
	}
	t, err := NewTable("1.0.0", rows)
	if err != nil {
		panic(err)
	}
	return t
}
