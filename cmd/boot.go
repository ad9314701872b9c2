package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-riscvos/internal/config"
	"github.com/deploymenttheory/go-riscvos/internal/kernel"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/mkfs"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

var (
	bootHarts  int
	bootLazy   bool
	bootFormat bool
	bootBlocks int
)

var bootCmd = &cobra.Command{
	Use:   "boot [disk-image]",
	Short: "Boot the kernel over a disk image",
	Long: `Boot assembles a simulated machine around the given disk image and
starts the kernel on it. The host terminal becomes the console:
stdin is typed into the UART, UART output goes to stdout. Interrupt
with ctrl-C to shut down.

Examples:
  # Boot the image named by the config file
  riscvos boot

  # Create, format, and boot a fresh 2000-block image
  riscvos boot fs.img --format

  # Boot with four harts and lazy heap growth
  riscvos boot fs.img --harts 4 --lazy-sbrk`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBoot,
}

func init() {
	bootCmd.Flags().IntVar(&bootHarts, "harts", 0, "number of harts (overrides config)")
	bootCmd.Flags().BoolVar(&bootLazy, "lazy-sbrk", false, "defer sbrk growth to the page-fault path")
	bootCmd.Flags().BoolVar(&bootFormat, "format", false, "format the image before booting")
	bootCmd.Flags().IntVar(&bootBlocks, "blocks", 2000, "image size in blocks when formatting")
	rootCmd.AddCommand(bootCmd)
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	image := cfg.DiskImage
	if len(args) == 1 {
		image = args[0]
	}
	harts := cfg.Harts
	if bootHarts > 0 {
		harts = bootHarts
	}

	if bootFormat {
		f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("creating disk image: %w", err)
		}
		if err := f.Truncate(int64(bootBlocks) * types.BlockSize); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	disk, err := machine.OpenFileDisk(image)
	if err != nil {
		return fmt.Errorf("opening disk image: %w", err)
	}
	defer disk.Close()

	if bootFormat {
		if err := mkfs.Format(disk, nil); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "formatted %s with %d blocks\n", image, bootBlocks)
		}
	}

	mach, err := machine.New(machine.Config{RAMBytes: cfg.RAMBytes, NHarts: harts}, disk)
	if err != nil {
		return err
	}
	k, err := kernel.Boot(mach, kernel.Options{
		ConsoleEcho: cfg.ConsoleEcho,
		LazySbrk:    bootLazy || cfg.LazySbrk,
	})
	if err != nil {
		return err
	}
	k.Banner()
	k.Start()

	// Wire the host terminal to the simulated UART.
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				mach.TypeByte(buf[0])
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	out := time.NewTicker(10 * time.Millisecond)
	defer out.Stop()
	written := 0
	for {
		select {
		case <-sig:
			fmt.Fprintln(os.Stderr, "\nshutting down")
			k.Shutdown()
			if b := mach.UART.Output(); written < len(b) {
				os.Stdout.Write(b[written:])
			}
			return nil
		case <-out.C:
			if b := mach.UART.Output(); written < len(b) {
				os.Stdout.Write(b[written:])
				written = len(b)
			}
		}
	}
}
