package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kendryte/kflash-go/embedded"
	"github.com/kendryte/kflash-go/internal/flasher"
	"github.com/kendryte/kflash-go/internal/protocol"
	"github.com/kendryte/kflash-go/internal/serial"
	"github.com/kendryte/kflash-go/internal/status"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	deviceFlag string
	baudFlag   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kflash",
		Short: "Flash firmware to Kendryte K210 devices",
		Long: `kflash talks the serial ISP protocol to a Kendryte K210's boot ROM,
installs a flash bootloader into SRAM, switches the target into
flash mode, and streams a .bin or .kfpkg firmware image into SPI
flash.`,
	}

	flashCmd := &cobra.Command{
		Use:   "flash <firmware>",
		Short: "Flash a .bin or .kfpkg image to a K210 device",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&deviceFlag, "device", "d", "", "Serial device to flash (required)")
	flashCmd.Flags().IntVarP(&baudFlag, "baudrate", "b", protocol.DefaultBaudRate, "Baud rate to switch to after ISP hand-off")
	flashCmd.MarkFlagRequired("device")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	if baudFlag < protocol.MinBaudRate {
		return fmt.Errorf("%w: baud rate %d below minimum %d", flasher.ErrBadInput, baudFlag, protocol.MinBaudRate)
	}

	regions, closeFirmware, err := flasher.LoadFirmware(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to load firmware: %w", err)
	}
	defer closeFirmware()

	fmt.Printf("Firmware: %s (%d region(s))\n", firmwarePath, len(regions))

	port, err := serial.Open(deviceFlag, protocol.InitialBaudRate)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud (initial)\n", deviceFlag, protocol.InitialBaudRate)

	statusMap := status.New(nil)
	statusMap.Subscribe(newProgressReporter())

	engine := flasher.New(port, statusMap)
	if err := engine.Run(context.Background(), embedded.Bootloader(), baudFlag, protocol.DefaultChip, regions); err != nil {
		return err
	}

	fmt.Println("\nDone!")
	return nil
}

// newProgressReporter prints each phase transition to stdout and
// drives a progress bar for the two streaming phases.
func newProgressReporter() status.Subscriber {
	var bar *progressbar.ProgressBar
	var barPhase status.Phase = -1

	return func(current status.Phase, js status.JobStatus) {
		switch js.RunningState {
		case status.Running:
			if js.Progress == 0 {
				fmt.Printf("==> %s\n", current)
			}
			if current == status.InstallFlashBootloader || current == status.FlashFirmware {
				if barPhase != current {
					bar = progressbar.NewOptions(100,
						progressbar.OptionSetDescription(current.String()),
						progressbar.OptionSetWidth(40),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
					barPhase = current
				}
				bar.Set(int(js.Progress * 100))
			}
		case status.Finished:
			if bar != nil && barPhase == current {
				bar.Finish()
				bar = nil
				barPhase = -1
			}
		case status.Error:
			fmt.Printf("!! %s failed\n", current)
		}
	}
}
