package commands

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wacore"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/metrics"
)

// connect: keep a paired device online and print what arrives.
func connectCmd() *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Log in and stay connected until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			m := metrics.New()
			cli, err := newClient(ctx, m)
			if err != nil {
				return err
			}
			defer cli.Close()
			if !cli.Device().IsPaired() {
				return fmt.Errorf("%w: run pair first", wacore.ErrNotPaired)
			}

			fatal := make(chan error, 1)
			cli.AddEventHandler(events.HandlerFunc(func(evt events.Event) {
				switch e := evt.(type) {
				case *events.Message:
					fmt.Printf("[%s] %s\n", e.Info.Sender, e.Plaintext)
				case *events.Receipt:
					logrus.WithFields(logrus.Fields{
						"chat": e.Chat.String(),
						"type": string(e.Type),
						"ids":  e.MessageIDs,
					}).Info("Receipt")
				case *events.LoggedOut:
					fatal <- fmt.Errorf("logged out: %s (%d)", e.Reason, e.Code)
				case *events.StreamReplaced:
					fatal <- fmt.Errorf("session replaced by another connection")
				case *events.ConnectFailure:
					if e.Fatal {
						fatal <- fmt.Errorf("connect failed: %s", e.Reason)
					}
				}
			}))

			if statusAddr != "" {
				srv := newStatusServer(statusAddr, cli, m)
				go srv.run()
				defer srv.shutdown()
			}

			if err := cli.Connect(ctx); err != nil {
				return err
			}
			select {
			case err := <-fatal:
				return err
			case <-ctx.Done():
				cli.Disconnect()
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /status and /metrics on this address")
	return cmd
}
