package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/cli"
)

func main() {
	err := cli.NewRootCmd().Execute()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
