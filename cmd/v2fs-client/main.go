// Command v2fs-client runs a read-only SQL workload against a remote
// verifiable database. Every page the engine touches is proven against
// the locally held root; the client emits one JSON record per query and
// exits non-zero if any query failed verification.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/query"
	"github.com/verifiabledb/v2fs/internal/remote"
	"github.com/verifiabledb/v2fs/internal/vfs"
)

var (
	flagAddr     = flag.String("addr", "localhost:9090", "Server address")
	flagCache    = flag.Int("c", 0, "Page cache budget in MB (default 500)")
	flagOpt      = flag.Int("o", -1, "Optimization level 0-3 (default 0)")
	flagWorkload = flag.String("w", "", "Workload file: SQL statements separated by ';'")
	flagVBFM     = flag.Int("vbf-m", 0, "VBF cell count (default 10000)")
	flagVBFK     = flag.Int("vbf-k", 0, "VBF hash count (default 5)")
	flagStrict   = flag.Bool("strict", false, "Stop the run on the first tampered query")
	flagConfig   = flag.String("config", "", "Optional YAML config file")
	flagName     = flag.String("name", "verified.db", "Display name of the virtual database file")
	flagVerbose  = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()
	if *flagVerbose {
		logger.SetLevel(zerolog.DebugLevel)
	} else {
		logger.SetLevel(zerolog.WarnLevel)
	}
	log := logger.Logger()

	opts, err := buildOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	client, err := remote.Dial(*flagAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *flagAddr).Msg("dial")
	}
	defer client.Close()

	ctx := context.Background()
	backend, err := vfs.NewBackend(ctx, client, opts.BackendConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap")
	}
	engine, err := query.NewSQLiteEngine(backend, *flagName)
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}
	defer engine.Close()

	driver, err := query.NewDriver(backend, engine, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("driver")
	}

	results, runErr := driver.Run(ctx)
	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		_ = enc.Encode(r)
	}
	summarize(driver.RunID(), results)
	if runErr != nil {
		log.Error().Err(runErr).Msg("run stopped")
	}
	if query.Tampered(results) {
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// buildOptions overlays flags on the optional config file.
func buildOptions() (query.Options, error) {
	opts := query.DefaultOptions()
	if *flagConfig != "" {
		loaded, err := query.LoadOptions(*flagConfig)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if *flagCache > 0 {
		opts.CacheSizeMB = *flagCache
	}
	if *flagOpt >= 0 {
		opts.OptLevel = *flagOpt
	}
	if *flagWorkload != "" {
		opts.WorkloadPath = *flagWorkload
	}
	if *flagVBFM > 0 {
		opts.VBFBits = *flagVBFM
	}
	if *flagVBFK > 0 {
		opts.VBFHashes = *flagVBFK
	}
	if *flagStrict {
		opts.Strict = true
	}
	return opts, opts.Validate()
}

// summarize prints a human-readable tally to stderr, leaving stdout to
// the JSON records.
func summarize(runID string, results []query.Result) {
	var pages, proofBytes int
	var elapsed uint64
	verified := 0
	for _, r := range results {
		pages += r.PagesFetched
		proofBytes += r.ProofBytes
		elapsed += r.ElapsedUS
		if r.Verified {
			verified++
		}
	}
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "run %s: %d/%d queries verified, %d pages fetched, %d proof bytes, %d µs total\n",
		runID, verified, len(results), pages, proofBytes, elapsed)
}
