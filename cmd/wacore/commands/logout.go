package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wacore"
	"github.com/opd-ai/wacore/events"
)

// logout: unlink this device from the account.
func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device and delete its keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			cli, err := newClient(ctx, nil)
			if err != nil {
				return err
			}
			defer cli.Close()
			if !cli.Device().IsPaired() {
				return wacore.ErrNotPaired
			}

			connected := make(chan struct{}, 1)
			cli.AddEventHandler(events.HandlerFunc(func(evt events.Event) {
				if _, ok := evt.(*events.Connected); ok {
					select {
					case connected <- struct{}{}:
					default:
					}
				}
			}))
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			select {
			case <-connected:
			case <-ctx.Done():
				return ctx.Err()
			}
			ctx, cancel := context.WithTimeout(ctx, wacore.DefaultQueryTimeout)
			defer cancel()
			if err := cli.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}
