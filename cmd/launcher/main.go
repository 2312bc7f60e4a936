package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/aoslauncher/pkg/api"
	"github.com/cuemby/aoslauncher/pkg/balancer"
	"github.com/cuemby/aoslauncher/pkg/edgetransport"
	"github.com/cuemby/aoslauncher/pkg/idpool"
	"github.com/cuemby/aoslauncher/pkg/imagemanager"
	"github.com/cuemby/aoslauncher/pkg/instance"
	"github.com/cuemby/aoslauncher/pkg/instancemgr"
	"github.com/cuemby/aoslauncher/pkg/launcher"
	"github.com/cuemby/aoslauncher/pkg/log"
	"github.com/cuemby/aoslauncher/pkg/metrics"
	"github.com/cuemby/aoslauncher/pkg/netadapter"
	"github.com/cuemby/aoslauncher/pkg/nodemgr"
	"github.com/cuemby/aoslauncher/pkg/spaceallocator"
	"github.com/cuemby/aoslauncher/pkg/storage"
	"github.com/cuemby/aoslauncher/pkg/storagestate"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "launcher",
	Short:   "Service-launcher core: places cloud-desired services across edge nodes",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("launcher version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the launcher core as a long-lived process",
	RunE:  runLauncher,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML config file (defaults are used when omitted)")
}

// lazyItemRemover satisfies pkg/spaceallocator.ItemRemover. It exists because
// the space allocator is constructed before the image manager that is its
// only real remover; mgr is backfilled once the image manager exists.
// Mirrors pkg/imagemanager's own test-side removerAdapter.
type lazyItemRemover struct {
	mgr *imagemanager.Manager
}

func (r *lazyItemRemover) RemoveItem(id string) error {
	if r.mgr == nil {
		return fmt.Errorf("remover not yet bound to an image manager")
	}
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '@' {
			return r.mgr.RemoveItem(id[:i], id[i+1:])
		}
	}
	return fmt.Errorf("malformed outdated-item key %q", id)
}

func runLauncher(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics.SetVersion(Version)

	boltStore, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer boltStore.Close()
	metrics.RegisterComponent("storage", true, "ok")

	ss, err := storagestate.New(storagestate.Config{StorageDir: cfg.StorageDir, StateDir: cfg.StateDir})
	if err != nil {
		return fmt.Errorf("init storage state: %w", err)
	}

	uids := idpool.NewUIDPool(cfg.UIDRangeBegin, cfg.UIDRangeEnd, nil)
	gids := idpool.NewGIDPool(cfg.GIDRangeBegin, cfg.GIDRangeEnd, nil)

	factory := instance.DefaultFactory{
		Storage:      boltStore,
		UIDs:         uids,
		GIDs:         gids,
		StorageState: ss,
	}

	regs := edgetransport.NewRegistries(cfg.Edge)

	// imagemanager and its space allocator's eviction callback are
	// mutually referential: the allocator needs a remover before the
	// manager exists, so the remover is bound to the manager afterward.
	remover := &lazyItemRemover{}
	space, err := spaceallocator.New(cfg.BlobsDir, cfg.DiskLimitPercent, remover)
	if err != nil {
		return fmt.Errorf("init space allocator: %w", err)
	}
	defer space.Close()

	blobCatalog := edgetransport.NewBlobCatalog(regs, nil)
	downloader := edgetransport.NewHTTPDownloader(nil)
	layerHandler := edgetransport.GzipLayerHandler{}

	imgCfg := imagemanager.DefaultConfig(cfg.BlobsDir, cfg.LayersDir)
	imgCfg.UpdateItemTTL = cfg.UpdateItemTTL
	imgCfg.RemoveOutdatedPeriod = cfg.RemoveOutdatedPeriod
	imgMgr := imagemanager.New(imgCfg, boltStore, space, blobCatalog, downloader, layerHandler)
	remover.mgr = imgMgr

	persisted, err := boltStore.GetAllInstances()
	if err != nil {
		return fmt.Errorf("load persisted instances: %w", err)
	}

	instCfg := instancemgr.DefaultConfig()
	instCfg.ServiceTTL = cfg.ServiceTTL
	instCfg.NodesConnectionTimeout = cfg.NodesConnectionTimeout
	instCfg.CleanupInterval = cfg.CleanupInterval
	instMgr := instancemgr.New(instCfg, factory, persisted, imgMgr)

	nodeMgr := nodemgr.New(edgetransport.NodeFactory{})
	metrics.RegisterComponent("nodemgr", true, "ok")

	subjects := launcher.NewSubjectSet()
	net := netadapter.New()

	bal := balancer.New(instMgr, nodeMgr, regs.NodeConfig, regs.Monitoring, imgMgr, imgMgr, subjects, net)

	lcfg := launcher.DefaultConfig()
	lcfg.QuotaAlertTag = cfg.QuotaAlertTag
	core := launcher.New(lcfg, instMgr, nodeMgr, bal, regs.Nodes, regs.Alerts, regs.Idents, regs.Monitoring, subjects)

	instMgr.Start()
	if err := core.Start(); err != nil {
		return fmt.Errorf("start launcher: %w", err)
	}
	metrics.RegisterComponent("api", true, "ready")

	healthSrv := api.NewHealthServer(boltStore)
	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	log.Logger.Info().Str("addr", cfg.HTTPAddr).Msg("health/metrics server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("signal received, shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("component error, shutting down")
	}

	core.Stop()

	return nil
}
