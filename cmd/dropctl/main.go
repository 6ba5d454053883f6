// Command dropctl operates a local merkledrop ledger: it builds distribution
// trees, registers rounds, settles claims and exports the event journal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"merkledrop/crypto"
	"merkledrop/integrations/exports"
	"merkledrop/integrations/journal"
	"merkledrop/native/merkledrop"
	"merkledrop/native/merkledrop/merkletree"
)

const defaultConfig = "./merkledrop.toml"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *cliEnv, args []string) error
}

type cliEnv struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

var commands = []command{
	{"build", "build a distribution file from a YAML allocation list", runBuild},
	{"mint", "credit an account balance (local networks only)", runMint},
	{"register", "register a distribution file's round", runRegister},
	{"verify", "check an account's proof against the registered root", runVerify},
	{"claim", "settle an account's claims from one or more distribution files", runClaim},
	{"status", "print claimed flags for a round range", runStatus},
	{"roots", "print registered roots for a round range", runRoots},
	{"balance", "print an account's spendable and internal balances", runBalance},
	{"withdraw", "move internal credit to the spendable balance", runWithdraw},
	{"export", "export the event journal as parquet, csv or jsonl", runExport},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("dropctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", defaultConfig, "Path to the merkledrop config file")
	global.Usage = func() { usage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr)
		return 2
	}
	env := &cliEnv{configPath: *configPath, stdout: stdout, stderr: stderr}
	for _, cmd := range commands {
		if cmd.name != rest[0] {
			continue
		}
		if err := cmd.run(context.Background(), env, rest[1:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
	usage(stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: dropctl [--config path] <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.usage)
	}
}

func newFlagSet(name string, env *cliEnv) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

// withNode opens the ledger, runs fn and commits when fn mutated state.
func withNode(ctx context.Context, env *cliEnv, mutates bool, fn func(n *node) error) error {
	n, err := openNode(ctx, env.configPath, env.stderr)
	if err != nil {
		return err
	}
	defer n.Close()
	if err := fn(n); err != nil {
		return err
	}
	if mutates {
		return n.commit()
	}
	return nil
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func requireAddress(name, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("--%s is required", name)
	}
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func runBuild(_ context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("build", env)
	in := fs.String("allocations", "", "YAML allocation list")
	out := fs.String("out", "", "Output distribution file")
	asset := fs.String("asset", "", "Asset symbol")
	distributorFlag := fs.String("distributor", "", "Distributor address")
	round := fs.Uint64("round", 0, "Round identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" || *asset == "" {
		return fmt.Errorf("--allocations, --out and --asset are required")
	}
	if *round == 0 {
		return fmt.Errorf("--round must be positive")
	}
	distributor, err := requireAddress("distributor", *distributorFlag)
	if err != nil {
		return err
	}
	allocs, err := readAllocations(*in)
	if err != nil {
		return err
	}
	dist, err := merkletree.BuildDistribution(allocs)
	if err != nil {
		return err
	}
	file, err := newDistributionFile(*asset, distributor, *round, dist)
	if err != nil {
		return err
	}
	if err := writeDistribution(*out, file); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "root %s total %s recipients %d\n", file.Root, file.Total, len(file.Claims))
	return nil
}

func runMint(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("mint", env)
	accountFlag := fs.String("account", "", "Account to credit")
	asset := fs.String("asset", "", "Asset symbol")
	amountFlag := fs.String("amount", "", "Amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	amount, err := parseAmount(*amountFlag)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("--amount must be positive")
	}
	return withNode(ctx, env, true, func(n *node) error {
		if n.cfg.Environment == "production" {
			return fmt.Errorf("mint is disabled in production")
		}
		if err := n.state.AddBalance(account[:], *asset, amount); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "minted %s %s to %s\n", amount, strings.ToUpper(*asset), crypto.FormatAddress(account))
		return nil
	})
}

func runRegister(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("register", env)
	path := fs.String("file", "", "Distribution file produced by build")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--file is required")
	}
	file, err := readDistribution(*path)
	if err != nil {
		return err
	}
	distributor, root, total, err := file.commitment()
	if err != nil {
		return err
	}
	return withNode(ctx, env, true, func(n *node) error {
		if err := n.registry.RegisterRound(ctx, distributor, file.Asset, file.Round, root, total); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "registered %s round %d root %s\n", file.Asset, file.Round, file.Root)
		return nil
	})
}

func runVerify(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("verify", env)
	path := fs.String("file", "", "Distribution file produced by build")
	accountFlag := fs.String("account", "", "Recipient address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	file, err := readDistribution(*path)
	if err != nil {
		return err
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	req, ok, err := file.request(account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not listed in %s", crypto.FormatAddress(account), *path)
	}
	return withNode(ctx, env, false, func(n *node) error {
		valid := n.ledger.VerifyClaim(ctx, req.Channel(), account, req.RoundID, req.Balance, req.Proof)
		claimed, err := n.ledger.IsClaimed(ctx, req.Channel(), req.RoundID, account)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "valid=%t claimed=%t balance=%s\n", valid, claimed, req.Balance)
		return nil
	})
}

func runClaim(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("claim", env)
	var files stringList
	fs.Var(&files, "file", "Distribution file (repeatable)")
	accountFlag := fs.String("account", "", "Claiming account")
	deliveryFlag := fs.String("delivery", "external", "Delivery mode: external or internal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("at least one --file is required")
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	mode, err := merkledrop.ParseDeliveryMode(*deliveryFlag)
	if err != nil {
		return err
	}
	if mode == merkledrop.DeliveryCallback {
		return fmt.Errorf("callback delivery needs an in-process receiver and is not available from the command line")
	}
	requests := make([]merkledrop.ClaimRequest, 0, len(files))
	for _, path := range files {
		file, err := readDistribution(path)
		if err != nil {
			return err
		}
		req, ok, err := file.request(account)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not listed in %s", crypto.FormatAddress(account), path)
		}
		requests = append(requests, req)
	}
	return withNode(ctx, env, true, func(n *node) error {
		payouts, err := n.ledger.SettleClaims(ctx, account, account, requests, merkledrop.Delivery{Mode: mode})
		if err != nil {
			return err
		}
		for _, p := range payouts {
			fmt.Fprintf(env.stdout, "paid %s %s (%s)\n", p.Amount, p.Asset, mode)
		}
		return nil
	})
}

type channelFlags struct {
	asset       *string
	distributor *string
	from        *uint64
	to          *uint64
}

func addChannelFlags(fs *flag.FlagSet) channelFlags {
	return channelFlags{
		asset:       fs.String("asset", "", "Asset symbol"),
		distributor: fs.String("distributor", "", "Distributor address"),
		from:        fs.Uint64("from", 1, "First round (inclusive)"),
		to:          fs.Uint64("to", 1, "Last round (inclusive)"),
	}
}

func (c channelFlags) channel() (merkledrop.Channel, error) {
	if strings.TrimSpace(*c.asset) == "" {
		return merkledrop.Channel{}, fmt.Errorf("--asset is required")
	}
	distributor, err := requireAddress("distributor", *c.distributor)
	if err != nil {
		return merkledrop.Channel{}, err
	}
	return merkledrop.NewChannel(*c.asset, distributor), nil
}

func runStatus(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("status", env)
	cf := addChannelFlags(fs)
	accountFlag := fs.String("account", "", "Recipient address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ch, err := cf.channel()
	if err != nil {
		return err
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	return withNode(ctx, env, false, func(n *node) error {
		flags, err := n.ledger.ClaimStatus(ctx, account, ch, *cf.from, *cf.to)
		if err != nil {
			return err
		}
		for i, claimed := range flags {
			fmt.Fprintf(env.stdout, "%d\t%t\n", *cf.from+uint64(i), claimed)
		}
		return nil
	})
}

func runRoots(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("roots", env)
	cf := addChannelFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ch, err := cf.channel()
	if err != nil {
		return err
	}
	return withNode(ctx, env, false, func(n *node) error {
		roots, err := n.registry.Roots(ctx, ch, *cf.from, *cf.to)
		if err != nil {
			return err
		}
		for i, root := range roots {
			fmt.Fprintf(env.stdout, "%d\t%s\n", *cf.from+uint64(i), encodeHash(root))
		}
		remaining, err := n.registry.RemainingBalance(ctx, ch)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "remaining\t%s\n", remaining)
		return nil
	})
}

func runBalance(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("balance", env)
	accountFlag := fs.String("account", "", "Account address")
	asset := fs.String("asset", "", "Asset symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	return withNode(ctx, env, false, func(n *node) error {
		spendable, err := n.state.Balance(account[:], *asset)
		if err != nil {
			return err
		}
		credit, err := n.vault.Credit(*asset, account)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "spendable %s\ninternal %s\n", spendable, credit)
		return nil
	})
}

func runWithdraw(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("withdraw", env)
	accountFlag := fs.String("account", "", "Account address")
	asset := fs.String("asset", "", "Asset symbol")
	amountFlag := fs.String("amount", "", "Amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := requireAddress("account", *accountFlag)
	if err != nil {
		return err
	}
	amount, err := parseAmount(*amountFlag)
	if err != nil {
		return err
	}
	return withNode(ctx, env, true, func(n *node) error {
		err := n.registry.Atomic(ctx, func(context.Context) error {
			return n.vault.WithdrawCredit(*asset, account, amount)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "withdrew %s %s\n", amount, strings.ToUpper(*asset))
		return nil
	})
}

func runExport(ctx context.Context, env *cliEnv, args []string) error {
	fs := newFlagSet("export", env)
	format := fs.String("format", "", "parquet, csv or jsonl (defaults to the output extension)")
	out := fs.String("out", "", "Output file")
	eventType := fs.String("type", "", "Only export this event type")
	asset := fs.String("asset", "", "Only export this asset")
	account := fs.String("account", "", "Only export events for this account")
	batch := fs.String("batch", "", "Only export this settlement batch")
	limit := fs.Int("limit", 0, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("--out is required")
	}
	kind := strings.ToLower(*format)
	if kind == "" {
		kind = strings.TrimPrefix(strings.ToLower(filepath.Ext(*out)), ".")
	}
	filter := journal.Filter{Type: *eventType, Asset: strings.ToUpper(*asset), Batch: *batch, Limit: *limit}
	if *account != "" {
		addr, err := crypto.ParseAddress(*account)
		if err != nil {
			return err
		}
		filter.Account = crypto.FormatAddress(addr)
	}
	return withNode(ctx, env, false, func(n *node) error {
		if n.journal == nil {
			return fmt.Errorf("journal is disabled in %s", env.configPath)
		}
		switch kind {
		case "parquet":
			count, err := n.journal.ExportParquet(ctx, *out, filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "exported %d events to %s\n", count, *out)
			return nil
		case "csv", "jsonl":
			entries, err := n.journal.Entries(ctx, filter)
			if err != nil {
				return err
			}
			var (
				data     []byte
				checksum string
			)
			if kind == "csv" {
				data, checksum, err = exports.JournalCSV(entries)
			} else {
				data, checksum, err = exports.JournalJSONL(entries)
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "exported %d events to %s sha256=%s\n", len(entries), *out, checksum)
			return nil
		default:
			return fmt.Errorf("unsupported export format %q", kind)
		}
	})
}
