// Command v2fs-server hosts a database file together with its Merkle ADS
// and serves pages, proofs, roots, and VBF deltas to verifying clients
// over gRPC. An optional cron schedule rescans the file and advances the
// version when its pages changed.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/remote"
	"github.com/verifiabledb/v2fs/internal/store"
)

var (
	flagDB      = flag.String("db", "", "Path to the hosted database file")
	flagADS     = flag.String("ads", "", "ADS directory built by v2fs-ads")
	flagListen  = flag.String("listen", ":9090", "gRPC listen address")
	flagRescan  = flag.String("rescan", "", "Cron schedule for version rescans (empty to disable), e.g. '@every 30s'")
	flagVerbose = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()
	if *flagVerbose {
		logger.SetLevel(zerolog.DebugLevel)
	}
	log := logger.Logger()
	if *flagDB == "" || *flagADS == "" {
		log.Fatal().Msg("usage: v2fs-server -db <file.db> -ads <ads-dir> [-listen :9090]")
	}

	st, err := store.OpenFileStore(*flagDB, *flagADS)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()
	version, root := st.Root()
	log.Info().Uint64("version", version).Str("root", root.String()).Msg("serving")

	var scheduler *cron.Cron
	if *flagRescan != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(*flagRescan, func() {
			changed, err := st.Rescan()
			if err != nil {
				log.Error().Err(err).Msg("rescan failed")
				return
			}
			if changed > 0 {
				v, r := st.Root()
				log.Info().Uint64("version", v).Str("root", r.String()).Int("changed", changed).Msg("version advanced")
			}
		}); err != nil {
			log.Fatal().Err(err).Str("schedule", *flagRescan).Msg("bad rescan schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	lis, err := net.Listen("tcp", *flagListen)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *flagListen).Msg("listen")
	}
	g := grpc.NewServer()
	remote.NewServer(st).Register(g)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		g.GracefulStop()
	}()

	log.Info().Str("addr", *flagListen).Msg("listening")
	if err := g.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
