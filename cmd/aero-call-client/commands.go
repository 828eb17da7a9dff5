package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/mediadevices"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

func newRootCmd() (*cobra.Command, error) {
	flags, err := config.NewClientFlags()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:   "aero-call-client",
		Short: "Place and answer audio/video calls through an aero call relay.",
		Long: `aero-call-client connects to a call relay over WebSocket, prints the
identity the relay assigned and then reads commands from stdin.

Type "help" once connected for the command list.`,
		SilenceUsage: true,
	}
	flags.Bind(root.PersistentFlags())

	root.AddCommand(newRunCmd(flags), newDevicesCmd())
	return root, nil
}

func newRunCmd(flags *config.ClientFlags) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and start an interactive session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.Resolve()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.call, "call", "", "Identity to call as soon as the relay connection is up")
	cmd.Flags().BoolVar(&opts.autoAccept, "auto-accept", false, "Accept every incoming call")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the capture devices the registered drivers can open.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			devices := mediadevices.EnumerateDevices()
			if len(devices) == 0 {
				fmt.Fprintln(out, "no capture devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(out, "%v\t%s\t%s\n", d.Kind, d.DeviceID, d.Label)
			}
			return nil
		},
	}
}
