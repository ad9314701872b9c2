package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags only
	verbose bool
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "riscvos",
	Short: "A Unix-like teaching kernel on a simulated RISC-V machine",
	Long: `riscvos boots a small Unix-like kernel over a simulated RISC-V
machine: Sv39 page tables built bit-exactly inside a RAM image, a
crash-safe write-ahead-logging file system on a block device, and an
xv6-style process model with fork, exec, pipes, and a console.

Commands:
  boot        Boot the kernel over a disk image
  inspect     Decode the superblock, log, and inodes of an image
  fsck        Check an image's structural invariants`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches for riscvos.yaml)")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}
