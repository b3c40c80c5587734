package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"mirror/internal/backoff"
	"mirror/internal/cache"
	"mirror/internal/config"
	"mirror/internal/informer"
	"mirror/internal/listwatch"
	"mirror/internal/object"
	"mirror/internal/reflector"
	"mirror/pkg/logging"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run informers for every configured resource collection",
	Long: `run starts one informer per resource collection named in the
configuration file and logs every cache event until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}

		logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stdout)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runInformers(ctx, cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "mirror.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
}

// restConfig builds the client configuration from either a kubeconfig file or
// a direct server URL.
func restConfig(server config.ServerConfig) (*rest.Config, error) {
	if server.Kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", server.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig %s: %w", server.Kubeconfig, err)
		}
		return cfg, nil
	}

	return &rest.Config{
		Host:        server.URL,
		BearerToken: server.BearerToken,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: server.InsecureSkipTLSVerify,
		},
	}, nil
}

// runInformers starts one informer per configured resource and blocks until
// ctx is cancelled.
func runInformers(ctx context.Context, cfg config.Config) error {
	restCfg, err := restConfig(cfg.Server)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, rc := range cfg.Resources {
		res := rc.Listwatch()

		client, err := listwatch.NewClient(restCfg, res)
		if err != nil {
			return fmt.Errorf("building client for %s: %w", res, err)
		}

		var opts []informer.Option
		if rc.KeyPath != "" {
			opts = append(opts, informer.WithStoreOptions(cache.WithKeyPath(rc.KeyPath)))
		}
		var reflOpts []reflector.Option
		if boOpts := cfg.Backoff.Options(); len(boOpts) > 0 {
			reflOpts = append(reflOpts, reflector.WithBackoff(backoff.New(boOpts...)))
		}
		if rc.PageSize > 0 {
			reflOpts = append(reflOpts, reflector.WithPageSize(rc.PageSize))
		}
		if len(reflOpts) > 0 {
			opts = append(opts, informer.WithReflectorOptions(reflOpts...))
		}

		inf := informer.New(client, opts...)
		inf.Subscribe(logEvent(res))

		g.Go(func() error {
			inf.Run(ctx)
			return nil
		})
	}

	logging.Info("serve", "mirroring %d resource collections", len(cfg.Resources))
	return g.Wait()
}

// logEvent returns a subscriber that logs every cache event for res.
func logEvent(res listwatch.Resource) informer.Handler {
	return func(ev informer.Event) {
		switch ev.Type {
		case informer.Replace:
			logging.Info("serve", "%s: replaced snapshot with %d objects", res, len(ev.Objects))
		default:
			logging.Info("serve", "%s: %s %s (resource version %s)", res, ev.Type, object.Name(ev.Object), object.ResourceVersion(ev.Object))
		}
	}
}
