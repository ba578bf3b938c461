package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	toolConfigPath string
	rootCmd        = &cobra.Command{
		Use:   "qcloop",
		Short: "qcloop - iterative SCF + training loop controller",
		Long: `qcloop drives an iterative quantum-chemistry learning loop: each
iteration runs SCF calculations over a set of systems, trains the
energy model on the resulting data, and hands the refined model to the
next iteration. Progress is tracked in an append-only RECORD file, so
an interrupted run resumes exactly where it stopped.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&toolConfigPath, "tool-config", "", "tool config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
