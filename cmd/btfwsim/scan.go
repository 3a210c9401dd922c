package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btframework/framework"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
	"github.com/srg/btframework/scan"
)

var scanDuration time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Start a scanner client against the mock SAL and print synthetic advertisements",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 3*time.Second, "how long to scan before stopping")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	log := logger.WithField("cmd", "scan")

	stk := mock.New()
	f, err := framework.New(stk, framework.Options{}, log)
	if err != nil {
		return fmt.Errorf("construct framework: %w", err)
	}
	if err := f.Start(true); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	defer f.Stop()

	// Bring the adapter to On first (LE must be enabled for Start to
	// succeed), acking each step the way the enable subcommand does.
	f.Adapter.Enable()
	stk.EmitAdapterStateChanged(true, true)
	stk.EmitAdapterStateChanged(true, false)

	var handle scan.Scanner
	var ok bool
	f.Loop.PostSync(func() {
		handle, ok = f.Scan.Start(scan.Callbacks{
			OnScanResult: func(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte) {
				color.Green("adv: %02x:%02x:%02x:%02x:%02x:%02x rssi=%d len=%d",
					addr[0], addr[1], addr[2], addr[3], addr[4], addr[5], rssi, len(payload))
			},
		})
	})
	if !ok {
		return fmt.Errorf("scan did not start: LE not enabled")
	}

	go func() {
		addr := sal.Addr{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			stk.EmitAdvReport(addr, sal.AddrPublic, -42, []byte{0x02, 0x01, 0x06})
		}
	}()

	time.Sleep(scanDuration)
	f.Loop.PostSync(func() { f.Scan.Stop(handle) })
	return nil
}
