package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ian2x/gradsync/collective"
	"github.com/Ian2x/gradsync/collective/local"
	"github.com/Ian2x/gradsync/metrics"
	utl "github.com/Ian2x/gradsync/util"
	wl "github.com/Ian2x/gradsync/worker/worker_lib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a gradsync training worker",
	Long: `Joins the communication group described by the config file and trains a linear regression
model on a synthetic data shard, averaging gradients across the group at every step.
With --local, every rank of the group runs in this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config_file")
		rank, _ := cmd.Flags().GetInt("rank")
		inProcess, _ := cmd.Flags().GetBool("local")

		config := utl.DefaultConfig()
		if configFile != "" {
			var err error
			if config, err = utl.ReadConfig(configFile); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if inProcess {
			return runLocal(ctx, config)
		}
		dial, err := wl.DialFn(ctx, config, rank)
		if err != nil {
			return err
		}
		return run(ctx, config, rank, collective.NewGroup(dial))
	},
}

func run(ctx context.Context, config *utl.Config, rank int, group *collective.Group) error {
	defer func() {
		if err := group.Shutdown(); err != nil {
			klog.Warningf("rank %d: shutdown: %v", rank, err)
		}
	}()
	w, err := wl.MakeWorker(&config.Training, rank, group, metrics.New(nil))
	if err != nil {
		return err
	}
	result, err := w.Train(ctx)
	if err != nil {
		return err
	}
	if n := len(result.Losses); n > 0 {
		klog.Infof("rank %d: done, final loss %.6f", rank, result.Losses[n-1])
	}
	return nil
}

func runLocal(ctx context.Context, config *utl.Config) error {
	members, err := local.NewGroup(config.Group.Size)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for rank, m := range members {
		eg.Go(func() error {
			return run(ctx, config, rank, collective.FromCommunicator(m))
		})
	}
	return eg.Wait()
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.Flags().String("config_file", "", "Path to config file")
	rootCmd.Flags().Int("rank", 0, "Rank of this worker in the group")
	rootCmd.Flags().Bool("local", false, "Run every rank of the group in this process")
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
