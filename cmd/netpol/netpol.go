package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/api"
	"github.com/mizar-sdn/netpol/pkg/cleaner"
	"github.com/mizar-sdn/netpol/pkg/polctrl"
	"github.com/mizar-sdn/netpol/pkg/provisioner/dryrun"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

var (
	version    = "dev"
	commitHash string
)

type options struct {
	kubeConfig    string
	listenAddress string
	emptyPorts    string
	cfg           polctrl.Config
}

func getClientConfig(kubeConfig string) (*rest.Config, error) {
	if kubeConfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeConfig)
	}
	return rest.InClusterConfig()
}

func newRootCommand() *cobra.Command {
	opts := &options{
		listenAddress: ":9180",
		emptyPorts:    string(poltypes.EmptyPortsAllowAll),
		cfg:           polctrl.DefaultConfig(),
	}
	cmd := &cobra.Command{
		Use:          "netpol",
		Version:      version,
		Short:        "Network Policy compilation controller",
		Long:         "netpol compiles the NetworkPolicies attached to the endpoints of this node into bitmask access tables and programs them into the datapath.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer klog.Flush()
			opts.cfg.EmptyPorts = poltypes.EmptyPortsPolicy(opts.emptyPorts)
			return run(cmd.Context(), opts)
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("netpol was built from release: {{.Version}}\nnetpol was built from commit: %s\n", commitHash))

	flags := cmd.Flags()
	flags.StringVar(&opts.kubeConfig, "kubeconfig", "", "Path to a kube config. Only required if out-of-cluster.")
	flags.StringVar(&opts.cfg.NodeName, "node-name", opts.cfg.NodeName, "Node whose pods are enforced. Defaults to $"+polctrl.NodeNameEnv+", empty means every pod.")
	flags.IntVar(&opts.cfg.Workers, "workers", opts.cfg.Workers, "Number of reconciliation workers.")
	flags.DurationVar(&opts.cfg.ResyncPeriod, "resync-period", opts.cfg.ResyncPeriod, "Period after which every NetworkPolicy is reconciled again.")
	flags.StringVar(&opts.emptyPorts, "empty-ports", opts.emptyPorts, "Meaning of a rule without ports: allow (every port) or deny (no port).")
	flags.Uint32Var(&opts.cfg.DefaultVni, "default-vni", opts.cfg.DefaultVni, "VNI of pods without the VNI annotation.")
	flags.StringVar(&opts.cfg.VniAnnotation, "vni-annotation", opts.cfg.VniAnnotation, "Pod annotation holding the VNI of its endpoint.")
	flags.StringVar(&opts.listenAddress, "listen-address", opts.listenAddress, "Address of the introspection and metrics HTTP server.")
	flags.DurationVar(&opts.cfg.CleanupInterval, "cleanup-interval", opts.cfg.CleanupInterval, "Period of the dangling endpoint sweep.")
	addKlogFlags(cmd.PersistentFlags())
	return cmd
}

// addKlogFlags puts the klog flags onto the pflag command line.
func addKlogFlags(fs *pflag.FlagSet) {
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	goFlags.VisitAll(func(f *flag.Flag) {
		fs.AddFlag(pflag.PFlagFromGoFlag(f))
	})
}

func run(ctx context.Context, opts *options) error {
	klog.Infof("Starting Network Policy Controller, release %s commit %s", version, commitHash)
	config, err := getClientConfig(opts.kubeConfig)
	if err != nil {
		return fmt.Errorf("parsing kubeconfig failed with error: %w", err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("creating K8s client failed with error: %w", err)
	}

	factory := informers.NewSharedInformerFactory(client, opts.cfg.ResyncPeriod)
	ctrl, err := polctrl.NewNetPolControl(client, factory, dryrun.New(), opts.cfg)
	if err != nil {
		return fmt.Errorf("creation of Network Policy Controller failed with error: %w", err)
	}
	sweeper := cleaner.New(ctrl.Endpoints(), ctrl.PodLister(), ctrl, opts.cfg.NodeName, opts.cfg.CleanupInterval)
	server := api.NewServer(opts.listenAddress, ctrl.Endpoints(), ctrl.Triggers())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	factory.Start(ctx.Done())
	defer factory.Shutdown()

	g.Go(func() error {
		return ctrl.Run(ctx)
	})
	g.Go(func() error {
		sweeper.PeriodicCleanup(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	klog.Info("Network Policy Controller stopped")
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		klog.Errorf("Network Policy Controller exiting: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}
