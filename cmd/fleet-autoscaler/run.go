package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/controller"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/engines/recommender"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner/fleetapi"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner/kube"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/statusapi"
)

var setupLog = ctrl.Log.WithName("setup")

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop and the control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if _, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development}); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.Flags())
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, flags *pflag.FlagSet) error {
	prov, err := newProvisioner(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	loop, status, err := controller.Setup(cfg, prov, reg, nil)
	if err != nil {
		return err
	}
	if lister, ok := prov.(provisioner.Lister); ok {
		n, err := loop.Adopt(ctx, lister)
		if err != nil {
			// not fatal: unadopted replicas are simply not managed
			setupLog.Error(err, "Adopting existing replicas")
		} else {
			setupLog.Info("Adopted existing replicas", "count", n)
		}
	}

	server := statusapi.NewServer(statusapi.Options{
		Addr:       cfg.Server.Addr,
		MaxTickAge: 3*cfg.Loop.TickInterval + cfg.Loop.TickDeadline(),
	}, status, reg)

	setupLog.Info("Starting fleet autoscaler",
		"service", cfg.Service.Name, "image", cfg.Service.Image, "provisioner", cfg.Provisioner.Kind,
		"min", cfg.Scaling.MinReplicas, "max", cfg.Scaling.MaxReplicas, "target", cfg.Scaling.TargetUtilization)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return reloadOnHangup(gctx, loop, cfg, flags) })
	return g.Wait()
}

// reloadOnHangup re-reads the configuration on SIGHUP. The scaling policy and
// the image apply live; other changed sections are reported and wait for a restart.
func reloadOnHangup(ctx context.Context, loop *controller.Loop, running *config.Config, flags *pflag.FlagSet) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			next, err := config.Load(flags)
			if err != nil {
				setupLog.Error(err, "Reloading configuration")
				continue
			}
			applyReload(ctx, loop, running, next)
		}
	}
}

// reloadable is the part of a Loop a configuration reload can change.
type reloadable interface {
	SetScaling(c config.ScalingConfig)
	SetImage(ctx context.Context, image string)
}

func applyReload(ctx context.Context, loop reloadable, running, next *config.Config) []string {
	restart := running.RestartRequired(next)
	if len(restart) > 0 {
		setupLog.Info("Configuration changes need a restart to take effect", "sections", restart)
	}
	if running.Scaling != next.Scaling {
		loop.SetScaling(next.Scaling)
		setupLog.Info("Reloaded scaling policy", "policy", recommender.PolicyFromConfig(next.Scaling).String())
	}
	loop.SetImage(ctx, next.Service.Image)
	running.Scaling = next.Scaling
	running.Service.Image = next.Service.Image
	return restart
}

func newProvisioner(ctx context.Context, cfg *config.Config) (provisioner.Provisioner, error) {
	switch cfg.Provisioner.Kind {
	case config.ProvisionerFleetAPI:
		c, err := fleetapi.New(fleetapi.Config{
			Endpoint: cfg.Provisioner.Endpoint,
			Service:  cfg.Service.Name,
			Timeout:  cfg.Provisioner.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProvisionerKubernetes:
		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
		scheme := runtime.NewScheme()
		if err := clientgoscheme.AddToScheme(scheme); err != nil {
			return nil, err
		}
		k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		p := kube.New(k8sClient, kube.Config{
			Namespace:       cfg.Provisioner.Namespace,
			HeadlessService: cfg.Provisioner.HeadlessService,
			Service:         cfg.Service.Name,
			Port:            cfg.Service.Port,
			GracePeriod:     cfg.Rollout.DrainPeriod,
		})
		if err := p.EnsureService(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported provisioner %q", cfg.Provisioner.Kind)
}
