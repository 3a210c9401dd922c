package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btframework/framework"
	"github.com/srg/btframework/internal/simscript"
	"github.com/srg/btframework/sal/mock"
)

var scriptTimeout time.Duration

var scriptCmd = &cobra.Command{
	Use:   "script <file.lua>",
	Short: "Replay a Lua scenario against the mock SAL and the full framework stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runScript,
}

func init() {
	scriptCmd.Flags().DurationVar(&scriptTimeout, "timeout", 10*time.Second, "how long to let the script run before aborting")
}

func runScript(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	log := logger.WithField("cmd", "script")

	stk := mock.New()
	driver := simscript.New(stk, log)
	defer driver.Close()

	f, err := framework.New(stk, framework.Options{}, log)
	if err != nil {
		return fmt.Errorf("construct framework: %w", err)
	}
	if err := f.Start(true); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	defer f.Stop()

	done := make(chan error, 1)
	go func() {
		done <- driver.LoadFile(args[0])
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("run script: %w", err)
		}
		color.Magenta("script %s completed", args[0])
		return nil
	case <-time.After(scriptTimeout):
		if trace := driver.Trace(); len(trace) > 0 {
			color.Yellow("last events before timeout:")
			for _, e := range trace {
				fmt.Println("  " + e)
			}
		}
		return fmt.Errorf("script %s did not finish within %s", args[0], scriptTimeout)
	}
}
