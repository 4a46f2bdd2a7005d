// Command mevinspect is the CLI front-end for the block pipeline:
// `mevinspect block <N>` and `mevinspect range <A> <B>`, per spec §6.
// Adapted from the teacher's main.go bootstrap (env file load, flag
// parsing, server wiring) with cobra replacing the teacher's bare flag
// package and the HTTP server replaced by a one-shot analysis run.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mevlens/mevinspect-go/internal/config"
	"github.com/mevlens/mevinspect-go/internal/health"
	"github.com/mevlens/mevinspect-go/internal/pipeline"
	"github.com/mevlens/mevinspect-go/internal/report"
	"github.com/mevlens/mevinspect-go/internal/rpcclient"
	"github.com/mevlens/mevinspect-go/internal/statecache"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.LoadEnvFile(".env.local")
	cfg := config.FromEnv(config.Default())

	var (
		flagRPCURL        string
		flagWhatIf        bool
		flagReportPath    string
		flagReportMode    string
		flagVerbose       bool
		flagMinConfidence float64
		flagArbEpsilon    float64
	)

	root := &cobra.Command{
		Use:           "mevinspect",
		Short:         "Analyze mined Ethereum blocks for cyclic arbitrage and sandwich attacks via local EVM replay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagRPCURL, "rpc-url", "", "JSON-RPC endpoint (defaults to ALCHEMY_RPC_URL/RPC_URL)")
	root.PersistentFlags().BoolVar(&flagWhatIf, "what-if", false, "run the optional what-if arbitrage/sandwich search")
	root.PersistentFlags().StringVar(&flagReportPath, "report", "", "write the JSON report to this path")
	root.PersistentFlags().StringVar(&flagReportMode, "report-mode", "", "report mode: basic or full")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug-level logging")
	root.PersistentFlags().Float64Var(&flagMinConfidence, "min-confidence", 0, "minimum swap confidence to report (0 = use default)")
	root.PersistentFlags().Float64Var(&flagArbEpsilon, "arb-epsilon", 0, "minimum arbitrage profit ratio above 1.0 (0 = use default)")

	exitCode := 0

	blockCmd := &cobra.Command{
		Use:   "block <N>",
		Short: "Analyze a single block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				exitCode = 1
				return fmt.Errorf("invalid block number %q: %w", args[0], err)
			}
			run := applyFlags(cfg, flagRPCURL, flagWhatIf, flagReportPath, flagReportMode, flagVerbose, flagMinConfidence, flagArbEpsilon)
			log, err := newLogger(run.Verbose)
			if err != nil {
				exitCode = 1
				return err
			}
			defer log.Sync()

			p, pools, err := buildPipeline(cmd.Context(), run, log)
			if err != nil {
				exitCode = 1
				return err
			}
			defer pools.Close()

			res, err := p.AnalyzeBlock(cmd.Context(), n, pipeline.Options{
				WhatIf:        run.WhatIf,
				MinConfidence: run.MinConfidence,
				ArbEpsilon:    run.ArbEpsilon,
			})
			if err != nil {
				exitCode = 1
				return err
			}
			printSummary(res)
			if run.ReportPath != "" {
				if err := writeReport(run, res); err != nil {
					exitCode = 1
					return err
				}
			}
			return nil
		},
	}

	rangeCmd := &cobra.Command{
		Use:   "range <A> <B>",
		Short: "Analyze an inclusive range of blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				exitCode = 1
				return fmt.Errorf("invalid start block %q: %w", args[0], err)
			}
			b, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				exitCode = 1
				return fmt.Errorf("invalid end block %q: %w", args[1], err)
			}
			run := applyFlags(cfg, flagRPCURL, flagWhatIf, flagReportPath, flagReportMode, flagVerbose, flagMinConfidence, flagArbEpsilon)
			log, err := newLogger(run.Verbose)
			if err != nil {
				exitCode = 1
				return err
			}
			defer log.Sync()

			p, pools, err := buildPipeline(cmd.Context(), run, log)
			if err != nil {
				exitCode = 1
				return err
			}
			defer pools.Close()

			failures := 0
			for n := a; n <= b; n++ {
				res, err := p.AnalyzeBlock(cmd.Context(), n, pipeline.Options{
					WhatIf:        run.WhatIf,
					MinConfidence: run.MinConfidence,
					ArbEpsilon:    run.ArbEpsilon,
				})
				if err != nil {
					log.Errorw("range: block failed", "block", n, "error", err)
					failures++
					continue
				}
				printSummary(res)
			}
			if failures > 0 && failures < int(b-a+1) {
				exitCode = 2
				return fmt.Errorf("range %d-%d: %d block(s) failed", a, b, failures)
			}
			if failures > 0 {
				exitCode = 1
				return fmt.Errorf("range %d-%d: all blocks failed", a, b)
			}
			return nil
		},
	}

	root.AddCommand(blockCmd, rangeCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mevinspect:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("mevinspect: build logger: %w", err)
	}
	return l.Sugar(), nil
}

func applyFlags(cfg config.Config, rpcURL string, whatIf bool, reportPath, reportMode string, verbose bool, minConfidence, arbEpsilon float64) config.Config {
	if rpcURL != "" {
		cfg.RPCURL = rpcURL
	}
	cfg.WhatIf = cfg.WhatIf || whatIf
	if reportPath != "" {
		cfg.ReportPath = reportPath
	}
	if reportMode != "" {
		cfg.ReportMode = reportMode
	}
	cfg.Verbose = cfg.Verbose || verbose
	if minConfidence > 0 {
		cfg.MinConfidence = minConfidence
	}
	if arbEpsilon > 0 {
		cfg.ArbEpsilon = arbEpsilon
	}
	return cfg
}

// buildPipeline constructs C1/C2 and runs the startup health check per
// spec §6 (unreachable RPC aborts with exit code 1).
func buildPipeline(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*pipeline.Pipeline, *statecache.PoolTokenStore, error) {
	if cfg.RPCURL == "" {
		return nil, nil, fmt.Errorf("no RPC endpoint configured: set --rpc-url or ALCHEMY_RPC_URL")
	}

	transport := rpcclient.NewHTTPTransport(cfg.RPCURL, time.Duration(cfg.RPCTimeoutSeconds)*time.Second, cfg.RPCMaxRetries, log)
	rpc := rpcclient.New(transport, log)

	pools, err := statecache.OpenPoolTokenStore(cfg.PoolTokenDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool-token store: %w", err)
	}

	rpcHealth := health.NewBase("rpc", 30*time.Second)
	if _, err := rpc.GetBlock(ctx, nil); err != nil {
		rpcHealth.RecordError(err)
	} else {
		rpcHealth.RecordSuccess()
	}
	if rep := health.Check(rpcHealth); rep.Status != "healthy" {
		pools.Close()
		return nil, nil, fmt.Errorf("rpc endpoint unreachable: %v", rep.Sources)
	}

	p := pipeline.New(rpc, pools, cfg.CacheAccountSize, cfg.CacheStorageSize, cfg.CacheCodeSize, log)
	return p, pools, nil
}

func printSummary(res pipeline.Result) {
	r := res.Inspection
	fmt.Printf("block %d: %d tx, %d swaps, %d arbitrages, %d sandwiches\n",
		r.BlockNumber, len(r.Transactions), len(r.Swaps), len(r.Arbitrages), len(r.Sandwiches))
	for _, a := range r.Arbitrages {
		fmt.Printf("  arbitrage tx=%s profit_token=%s gross=%s net=%s\n",
			a.TxHash.Hex(), a.ProfitToken.Hex(), a.GrossProfit.String(), a.NetProfit.String())
	}
	for _, s := range r.Sandwiches {
		fmt.Printf("  sandwich pool=%s searcher=%s front=%s victim=%s back=%s gross=%s net=%s\n",
			s.Pool.Hex(), s.Searcher.Hex(), s.FrontTx.Hex(), s.VictimTx.Hex(), s.BackTx.Hex(), s.GrossProfit.String(), s.NetProfit.String())
	}
	if len(res.WhatIfArbs) > 0 || len(res.WhatIfSandw) > 0 {
		fmt.Printf("  what-if: %d arbitrage path(s), %d sandwich pair(s)\n", len(res.WhatIfArbs), len(res.WhatIfSandw))
	}
}

func writeReport(cfg config.Config, res pipeline.Result) error {
	mode := report.ModeBasic
	if cfg.ReportMode == "full" {
		mode = report.ModeFull
	}
	doc := report.Build(res.Inspection, mode, res.WhatIfArbs, res.WhatIfSandw)
	data, err := report.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(cfg.ReportPath, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", cfg.ReportPath, err)
	}
	return nil
}
