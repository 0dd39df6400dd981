// Command sheepd is the cluster daemon CLI: it hosts the `run` subcommand
// that starts a node's cluster.Ctx against a configured group driver, plus
// offline/attach debug subcommands (`nodes`, `diff`) for inspecting a
// node's membership state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/flocknode/sheepcore/cluster"
	"github.com/flocknode/sheepcore/common/logging"
	"github.com/flocknode/sheepcore/config"
	"github.com/flocknode/sheepcore/driver"
	"github.com/flocknode/sheepcore/driver/plugin"
	"github.com/flocknode/sheepcore/driver/pubsub"
	"github.com/flocknode/sheepcore/node"
)

var v = viper.New()

func main() {
	root := &cobra.Command{
		Use:          "sheepd",
		Short:        "sheepcore cluster membership and coordination daemon",
		SilenceUsage: true,
	}

	var cfgFile string
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (yaml, toml, json...)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
		}
		return nil
	}

	root.AddCommand(newRunCommand(), newNodesCommand(), newDiffCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start this node and join (or form) the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
	config.BindFlags(cmd.Flags(), v)
	return cmd
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.ClusterName == "" {
		return fmt.Errorf("sheepd run: --cluster-name is required")
	}

	if lvl, lerr := zapcore.ParseLevel(cfg.LogLevel); lerr == nil {
		logging.SetLevel(lvl)
	}
	logger := logging.GetLogger("cmd/sheepd")

	self := node.Node{ID: node.ID{Addr: cfg.ListenAddr}, VnodeWeight: 64}

	// cluster.Ctx is opened with a nil driver first: pubsub.New needs a
	// driver.Callbacks, and Ctx is that Callbacks implementation, so the
	// driver can only be built once the Ctx it will be attached to exists.
	// See cluster.Ctx's own driverBlockNotify for the same pattern.
	ctx, err := cluster.Open(cfg, self, ctimeFromConfig(cfg), nil)
	if err != nil {
		return fmt.Errorf("sheepd run: open cluster context: %w", err)
	}
	defer ctx.Close()

	drv, closeDriver, err := buildDriver(cfg, ctx)
	if err != nil {
		return fmt.Errorf("sheepd run: %w", err)
	}
	defer closeDriver()
	ctx.Driver = drv
	ctx.RecoveryPermitted = true

	runCtx := cmd.Context()
	ctx.Start(runCtx)

	opts := driver.Options{ClusterName: cfg.ClusterName, LocalAddr: cfg.ListenAddr, Bootstrap: cfg.Bootstrap}
	if err := ctx.RequestJoin(runCtx, opts); err != nil {
		return fmt.Errorf("sheepd run: request join: %w", err)
	}

	logger.Info("daemon started", "listen_addr", cfg.ListenAddr, "cluster_name", cfg.ClusterName)
	<-runCtx.Done()
	return ctx.RequestLeave(context.Background())
}

// buildDriver constructs the configured group driver: the built-in
// libp2p-pubsub driver, bound directly to ctx as its Callbacks, or an
// external subprocess driver launched via go-plugin.
func buildDriver(cfg config.Config, ctx *cluster.Ctx) (driver.Driver, func(), error) {
	switch cfg.DriverKind {
	case "pubsub":
		d := pubsub.New(ctx)
		return d, func() { _ = d.Close() }, nil
	case "plugin":
		d, kill, err := plugin.Launch(cfg.DriverBinary, hclog.Default())
		if err != nil {
			return nil, func() {}, err
		}
		return d, kill, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown driver-kind %q", cfg.DriverKind)
	}
}

// ctimeFromConfig stamps the founding ctime this node will claim if it is
// first to join an empty cluster (spec §4.2: ctime arbitrates between
// independently-formed partitions). cluster.Ctx itself stays clock-free;
// the CLI entry point is where a process-start timestamp belongs.
func ctimeFromConfig(cfg config.Config) uint64 {
	return uint64(time.Now().Unix())
}
