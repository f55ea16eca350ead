package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/Ian2x/gradsync/coordinator/rpc"
	sl "github.com/Ian2x/gradsync/coordinator/server_lib"
	"github.com/Ian2x/gradsync/metrics"
	utl "github.com/Ian2x/gradsync/util"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Serve the gradsync coordinator",
	Long:  `Serves the Coordinator gRPC service, through which workers form communication groups and run collective operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config_file")
		port, _ := cmd.Flags().GetInt("port")

		config := utl.DefaultConfig()
		if configFile != "" {
			var err error
			if config, err = utl.ReadConfig(configFile); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("port") || configFile == "" {
			config.Coordinator.Port = uint64(port)
		}
		return serve(config)
	},
}

// newRouter serves the Prometheus metrics and the state of the coordinator.
func newRouter(reg *prometheus.Registry, coordinator *sl.CoordinatorServer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/comms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coordinator.CommIDs())
	})
	return r
}

func serve(config *utl.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	coordinator := sl.MakeCoordinatorServer(metrics.New(reg))
	coordinator.HeartbeatTimeout = config.HeartbeatTimeout

	if config.MetricsAddr != "" {
		go func() {
			klog.Infof("serving metrics at %s", config.MetricsAddr)
			if err := http.ListenAndServe(config.MetricsAddr, newRouter(reg, coordinator)); err != nil {
				klog.Errorf("metrics server failed: %v", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Coordinator.Port))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	s := grpc.NewServer()
	rpc.RegisterCoordinatorServer(s, coordinator)
	klog.Infof("Coordinator server listening at %v", lis.Addr())
	return s.Serve(lis)
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.Flags().String("config_file", "", "Path to config file")
	rootCmd.Flags().Int("port", 8082, "The server port")
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
