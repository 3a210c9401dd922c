package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btframework/advertising"
	"github.com/srg/btframework/framework"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal/mock"
)

var advertiseDuration time.Duration

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Start an advertiser slot against the mock SAL for a fixed duration",
	RunE:  runAdvertise,
}

func init() {
	advertiseCmd.Flags().DurationVar(&advertiseDuration, "duration", 3*time.Second, "how long to advertise before stopping")
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	log := logger.WithField("cmd", "advertise")

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

	started := make(chan status.Code, 1)
	var handle advertising.Advertiser
	var ok bool
	f.Loop.PostSync(func() {
		handle, ok = f.Advertising.Start(
			advertising.AdvParams{IntervalMinMs: 100, IntervalMaxMs: 150, Connectable: true},
			[]byte{0x02, 0x01, 0x06},
			nil,
			advertising.Callbacks{
				OnAdvertisingStart: func(advID int, code status.Code) {
					color.Yellow("advertiser %d: start -> %s", advID, code)
					started <- code
				},
				OnAdvertisingStopped: func(advID int) {
					color.Yellow("advertiser %d: stopped", advID)
				},
			},
		)
	})
	if !ok {
		return fmt.Errorf("advertise did not start: LE not enabled")
	}

	// The mock SAL's LEStartAdv only records the call, so nothing acks it
	// before Start's one-second watchdog; a real controller's own async ack
	// is simulated here. This is the
	// first (and only) advertiser slot allocated in this process, so its
	// SAL-assigned id is deterministically 1.
	stk.EmitAdvertisingStarted(1, status.Success)

	select {
	case code := <-started:
		if code != status.Success {
			return fmt.Errorf("advertising start failed: %s", code)
		}
	case <-time.After(time.Second):
		return fmt.Errorf("advertising start timed out")
	}

	time.Sleep(advertiseDuration)
	f.Loop.PostSync(func() { f.Advertising.Stop(handle) })
	return nil
}
