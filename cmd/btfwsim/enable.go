package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btframework/adapter"
	"github.com/srg/btframework/adapter/state"
	"github.com/srg/btframework/framework"
	"github.com/srg/btframework/sal/mock"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Bring a mock-backed adapter from Off to On, tracing every state transition",
	RunE:  runEnable,
}

func runEnable(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	log := logger.WithField("cmd", "enable")

	stk := mock.New()
	f, err := framework.New(stk, framework.Options{}, log)
	if err != nil {
		return fmt.Errorf("construct framework: %w", err)
	}
	if err := f.Start(true); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	defer f.Stop()

	done := make(chan struct{})
	f.Loop.PostSync(func() {
		f.Adapter.RegisterCallbacks(adapter.Callbacks{
			OnAdapterStateChanged: func(prev, next state.State) {
				color.Cyan("adapter: %s -> %s", prev, next)
				if next == state.On {
					close(done)
				}
			},
		})
	})

	f.Adapter.Enable()

	// The mock SAL never acks on its own; drive the handshake the way a
	// real controller would, one upward event per downward call.
	stk.EmitAdapterStateChanged(true, true)
	stk.EmitAdapterStateChanged(true, false)

	<-done
	return nil
}
