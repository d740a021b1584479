package cli

import (
	internalcli "github.com/SmitUplenchwar2687/Bastion/internal/cli"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the public Bastion root command for embedding.
func NewRootCmd() *cobra.Command {
	return internalcli.NewRootCmd()
}
