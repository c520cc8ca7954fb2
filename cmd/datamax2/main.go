package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "datamax2",
		Short:   "Supervised document conversion via headless office services",
		Version: version,
	}

	root.AddCommand(
		newConvertCmd(),
		newWarmCmd(),
		newCacheCmd(),
		newHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
