// Command bathron-settlementd wires the full settlement pipeline (C1, C3,
// C4, the barrier, and the startup reconciliation check) into a single
// process, following the teacher's flag.NewFlagSet + testable run(args,
// stdout, stderr) int entrypoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rubin.dev/node/internal/barrier"
	"rubin.dev/node/internal/burnclaim"
	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/config"
	"rubin.dev/node/internal/coinview"
	"rubin.dev/node/internal/cryptoprovider"
	"rubin.dev/node/internal/logx"
	"rubin.dev/node/internal/settlement"
	"rubin.dev/node/internal/spv"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := config.Default()
	cfg := defaults

	fs := flag.NewFlagSet("bathron-settlementd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Network, "network", defaults.Network, "network name (mainnet/signet/regtest)")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "settlement core data directory")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	fs.BoolVar(&cfg.LogJSON, "log-json", defaults.LogJSON, "emit structured JSON logs instead of console output")
	fs.StringVar(&cfg.RPCBindAddr, "rpc-bind", defaults.RPCBindAddr, "read-only RPC bind address")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := config.Validate(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	logx.Init(cfg.LogLevel, cfg.LogJSON, stdout)

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	params, ok := chainparams.ByName(cfg.Network)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown network %q\n", cfg.Network)
		return 2
	}
	crypto := cryptoprovider.Std{}

	spvStore, err := spv.Open(config.SPVDir(cfg.DataDir), params, crypto)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "spv store open failed: %v\n", err)
		return 2
	}
	defer func() { _ = spvStore.Close() }()
	if err := spvStore.Init(); err != nil {
		_, _ = fmt.Fprintf(stderr, "spv store init failed: %v\n", err)
		return 2
	}

	claimStore, err := burnclaim.Open(config.BurnClaimDir(cfg.DataDir), spvStore, params.ConfirmationsRequired)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "burn-claim store open failed: %v\n", err)
		return 2
	}
	defer func() { _ = claimStore.Close() }()

	settlementDB, err := settlement.Open(config.SettlementDir(cfg.DataDir))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "settlement db open failed: %v\n", err)
		return 2
	}
	defer func() { _ = settlementDB.Close() }()

	// engine (C5) is wired here so native-block processing has a ready
	// apply path; driving it from the block files is the (out-of-scope,
	// externally-owned per §6) block-source collaborator's job.
	view := coinview.NewMemory()
	_ = settlement.NewEngine(settlementDB, view, claimStore)

	// §4.7's startup check compares the all-committed marker against the
	// native block-index tip, not the external BTC-SPV tip; C4's own last
	// applied state is this tree's native block index (there is no
	// separate block-source collaborator wired into this binary), so that
	// is what CheckStartupConsistency is driven from.
	var nativeHeight uint32
	var nativeHash [32]byte
	state, hasState := settlementDB.ReadLatestState()
	if hasState {
		nativeHeight, nativeHash = state.Height, state.BlockHash
	}

	barr := barrier.New(settlementDB, claimStore)
	if barr.CheckStartupConsistency(nativeHeight, nativeHash) {
		logx.Barrier.Warn().Msg("all-committed marker disagrees with the native block-index tip; rebuild required (run with a reconcile-capable block source before resuming native processing)")
	}

	spvTipHash, spvTipHeight, _ := spvStore.Tip()
	_, _ = fmt.Fprintf(stdout, "spv: tip_height=%d tip_hash=%x\n", spvTipHeight, spvTipHash)
	if hasState {
		_, _ = fmt.Fprintf(stdout, "settlement: height=%d m0_vaulted=%d m1_supply=%d m0_total_supply=%d\n",
			state.Height, state.M0Vaulted, state.M1Supply, state.M0TotalSupply)
	} else {
		_, _ = fmt.Fprintln(stdout, "settlement: empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(stdout, "bathron-settlementd running")
	<-ctx.Done()
	_, _ = fmt.Fprintln(stdout, "bathron-settlementd stopped")
	return 0
}

func printConfig(w io.Writer, cfg config.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
