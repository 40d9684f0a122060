package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wacore"
	"github.com/opd-ai/wacore/events"
)

// pair: link this device by QR code or, with --phone, by pairing code.
func pairCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link this device to an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			cli, err := newClient(ctx, nil)
			if err != nil {
				return err
			}
			defer cli.Close()
			if cli.Device().IsPaired() {
				return wacore.ErrAlreadyPaired
			}

			done := make(chan error, 1)
			finish := func(err error) {
				select {
				case done <- err:
				default:
				}
			}
			cli.AddEventHandler(events.HandlerFunc(func(evt events.Event) {
				switch e := evt.(type) {
				case *events.StateChange:
					if e.To == events.StateRegistering && phone != "" {
						go requestCode(ctx, cli, phone, finish)
					}
				case *events.QR:
					if phone == "" {
						fmt.Println("Scan this code in Linked Devices:")
						fmt.Println(e.Codes[0])
					}
				case *events.PairingCode:
					fmt.Printf("Enter code %s on %s\n", e.Code, e.Phone)
				case *events.PairSuccess:
					fmt.Printf("Linked as %s\n", e.ID)
				case *events.PairError:
					finish(fmt.Errorf("pairing failed: %w", e.Error))
				case *events.QRExhausted:
					finish(wacore.ErrQRExhausted)
				case *events.Connected:
					finish(nil)
				case *events.LoggedOut:
					finish(fmt.Errorf("logged out: %s (%d)", e.Reason, e.Code))
				case *events.ConnectFailure:
					if e.Fatal {
						finish(fmt.Errorf("connect failed: %s", e.Reason))
					}
				}
			}))

			if err := cli.Connect(ctx); err != nil {
				return err
			}
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "pair by code for this phone number instead of QR")
	return cmd
}

func requestCode(ctx context.Context, cli *wacore.Client, phone string, finish func(error)) {
	_, err := cli.RequestPairingCode(ctx, phone)
	if err == nil || errors.Is(err, wacore.ErrAlreadyPaired) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "requestCode",
	}).WithError(err).Error("Pairing code request failed")
	finish(err)
}
