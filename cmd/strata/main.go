package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratumhq/strata/pkg/cluster"
	"github.com/stratumhq/strata/pkg/config"
	"github.com/stratumhq/strata/pkg/datanode"
	"github.com/stratumhq/strata/pkg/headnode"
	"github.com/stratumhq/strata/pkg/log"
	"github.com/stratumhq/strata/pkg/objstore"
	"github.com/stratumhq/strata/pkg/servicenode"
	"github.com/stratumhq/strata/pkg/types"
)

var (
	// set via ldflags during build
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	overrides  []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - sharded HDF data service",
	Long: `Strata serves HDF-style domains, groups, datasets, and attributes
over REST, with chunked dataset data sharded across data nodes and
persisted to an object store.`,
	Version: cluster.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := config.LoadFile(configFile); err != nil {
				return err
			}
		}
		for _, kv := range overrides {
			if err := config.ParseArgs([]string{"--" + kv}); err != nil {
				return err
			}
		}
		log.Init(log.Config{
			Level:      log.Level(config.Get("log_level")),
			JSONOutput: config.GetBool("log_json"),
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		cluster.Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "config override key=value (repeatable)")

	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(dataCmd)
	rootCmd.AddCommand(serviceCmd)
}

var headCmd = &cobra.Command{
	Use:   "headnode",
	Short: "Run the head node",
	Long: `Run the head node: the cluster rendezvous point that assigns
shard slots to workers and reports cluster state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHead()
	},
}

var dataCmd = &cobra.Command{
	Use:   "datanode",
	Short: "Run a data node",
	Long: `Run a data node: one shard of the metadata and chunk store,
serving its partition of objects to the service nodes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runData()
	},
}

var serviceCmd = &cobra.Command{
	Use:   "servicenode",
	Short: "Run a service node",
	Long: `Run a service node: the public REST API that authenticates
requests, enforces ACLs, and routes operations to the data nodes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() (objstore.Client, error) {
	store, err := objstore.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	log.WithComponent("store").Info().
		Str("driver", config.Get("store_driver")).
		Str("bucket", config.Get("bucket_name")).
		Msg("store opened")
	return store, nil
}

func runHead() error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	h := headnode.New(store)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })
	g.Go(func() error {
		return cluster.Serve(ctx, types.NodeTypeHead, config.GetInt("head_port"), h.Router())
	})
	return g.Wait()
}

func runData() error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	dn := datanode.New(store)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dn.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return cluster.Serve(gctx, types.NodeTypeData, config.GetInt("dn_port"), dn.Router())
	})
	err = g.Wait()

	// write out anything still dirty before the store closes
	flushCtx, flushCancel := context.WithTimeout(context.Background(), config.GetDuration("timeout"))
	defer flushCancel()
	if failed := dn.Flush(flushCtx); failed > 0 {
		log.WithComponent("datanode").Error().Int("failed", failed).Msg("shutdown flush incomplete")
	}
	return err
}

func runService() error {
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sn, err := servicenode.New(store)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sn.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return cluster.Serve(ctx, types.NodeTypeService, config.GetInt("sn_port"), sn.Router())
	})
	return g.Wait()
}
