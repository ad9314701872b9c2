package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-riscvos/internal/fsck"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <disk-image>",
	Short: "Check an image's structural invariants",
	Long: `Fsck verifies an image without mutating it. Committed log
entries that recovery would install are applied as a read-time
overlay first, then every inode's block claims, directory
reachability from the root, and the allocation bitmap are checked
against each other.

The exit status is nonzero when any problem is found.`,
	Args: cobra.ExactArgs(1),
	RunE: runFsck,
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	disk, err := machine.OpenFileDisk(args[0])
	if err != nil {
		return fmt.Errorf("opening disk image: %w", err)
	}
	defer disk.Close()

	rep, err := fsck.Check(disk)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rep.LogPending > 0 {
		fmt.Fprintf(out, "log: %d committed entries not yet installed\n", rep.LogPending)
	}
	for _, p := range rep.Problems {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	if !rep.Clean() {
		return fmt.Errorf("%s: %d problems found", args[0], len(rep.Problems))
	}
	if verbose {
		fmt.Fprintf(out, "%s: clean\n", args[0])
	}
	return nil
}
