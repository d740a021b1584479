package cli

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// NewRootCmd creates the root bastion command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bastion",
		Short: "Distributed admission control for HTTP services",
		Long: `Bastion decides, per request, whether to admit, throttle (429) or
forbid (403). Quotas, blocks, trust scores and abuse signals live in a
shared counter store, so every instance makes the same decision.`,
		SilenceUsage: true,
	}

	fs := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(fs)
	root.PersistentFlags().AddGoFlagSet(fs)
	root.PersistentFlags().String("config", "", "path to a YAML or JSON config file")

	root.AddCommand(
		newServerCmd(),
		newCheckCmd(),
		newBlockCmd(),
		newUnblockCmd(),
		newBlocksCmd(),
		newReplayCmd(),
		newGenerateCmd(),
	)

	return root
}
