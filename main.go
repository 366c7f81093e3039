package main

import (
	"context"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // only served when profilerAddr is set
	"os"
	"os/signal"
	"syscall"

	"github.com/claimnet/claimnode/services/chainsync"
	"github.com/claimnet/claimnode/services/feed"
	"github.com/claimnet/claimnode/services/queryserver"
	"github.com/claimnet/claimnode/services/resolver"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie"
	"github.com/claimnet/claimnode/stores/ledger"
	"github.com/claimnet/claimnode/stores/utxoindex"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/ordishs/gocore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Name used by build script for the binaries. (Please keep on single line)
const progname = "claimnode"

// Version & commit strings injected at build with -ldflags -X...
var version string
var commit string

func init() {
	gocore.SetInfo(progname, version, commit)
}

func main() {
	tSettings := settings.NewSettings()
	logger := ulogger.New(progname, ulogger.WithLevel(tSettings.LogLevel))

	if err := run(logger, tSettings); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(logger ulogger.Logger, tSettings *settings.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := ledger.NewStore(logger.New("ledger"), tSettings.Ledger.StoreURL, tSettings.DataFolder)
	if err != nil {
		return err
	}

	defer func() { _ = ledgerStore.Close() }()

	utxoStore, err := utxoindex.NewStore(logger.New("utxoidx"), tSettings.UtxoIndex.StoreURL, tSettings.DataFolder)
	if err != nil {
		return err
	}

	defer func() { _ = utxoStore.Close() }()

	trieStore, err := claimtrie.NewStore(ctx, logger.New("trie"), tSettings.ClaimTrie.StoreURL, tSettings)
	if err != nil {
		return err
	}

	defer func() { _ = trieStore.Close() }()

	source, err := feed.NewSource(ctx, logger.New("feed"), tSettings)
	if err != nil {
		return err
	}

	defer func() { _ = source.Close() }()

	sync := chainsync.New(logger.New("sync"), tSettings, source, ledgerStore, utxoStore, trieStore)
	if err = sync.Init(ctx); err != nil {
		return err
	}

	engine := resolver.New(logger.New("resolve"), tSettings, trieStore, sync)
	defer func() { _ = engine.Close() }()

	server := queryserver.New(logger.New("query"), tSettings, sync, utxoStore, trieStore, engine)
	if err = server.Init(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	if tSettings.ProfilerAddress != "" {
		logger.Infof("starting profiler on http://%s/debug/pprof", tSettings.ProfilerAddress)

		g.Go(func() error {
			return http.ListenAndServe(tSettings.ProfilerAddress, nil) //nolint:gosec // local profiling endpoint
		})
	}

	if addr, ok := gocore.Config().Get("prometheusAddr"); ok && addr != "" {
		logger.Infof("starting prometheus endpoint on http://%s%s", addr, tSettings.PrometheusEndpoint)

		mux := http.NewServeMux()
		mux.Handle(tSettings.PrometheusEndpoint, promhttp.Handler())

		g.Go(func() error {
			return http.ListenAndServe(addr, mux) //nolint:gosec // metrics endpoint
		})
	}

	g.Go(func() error {
		return sync.Start(gCtx)
	})

	g.Go(func() error {
		return server.Start(gCtx)
	})

	logger.Infof("%s started, serving queries on %s", progname, server.Addr())

	return g.Wait()
}
