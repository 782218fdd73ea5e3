package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/talkincode/wabridge/internal/app"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
)

var pairSession string

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link a WhatsApp account by scanning a QR code in the terminal",
	RunE:  runPair,
}

func init() {
	pairCmd.Flags().StringVarP(&pairSession, "session", "s", "", "session id to pair (generated when empty)")
}

func runPair(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return err
	}
	defer application.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pairSession == "" {
		pairSession = uuid.NewString()
	}
	sub := application.Relay().Subscribe(pairSession)
	defer sub.Close()

	out := cmd.OutOrStdout()
	mgr := application.Manager()
	snap, err := mgr.Connect(ctx, pairSession)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s: %s\n", pairSession, snap.Status)
	if snap.State == domain.SessionReady {
		fmt.Fprintf(out, "Already paired as %s\n", snap.PhoneNumber)
		return nil
	}
	if snap.QRText != "" {
		printQR(cmd, snap.QRText)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return errors.New("event stream closed")
			}
			switch ev.Kind {
			case relay.KindQRUpdated:
				// the relay carries the PNG; the terminal needs the raw code
				snap, err := mgr.Snapshot(ctx, pairSession)
				if err == nil && snap.QRText != "" {
					printQR(cmd, snap.QRText)
				}
			case relay.KindStatusChanged:
				st, _ := ev.Data.(relay.StatusChanged)
				switch domain.SessionState(st.State) {
				case domain.SessionReady:
					fmt.Fprintf(out, "Paired as %s. Session id: %s\n", st.PhoneNumber, pairSession)
					return nil
				case domain.SessionTerminated:
					return fmt.Errorf("pairing failed: %s", st.Error)
				case domain.SessionIdle:
					return errors.New("QR code expired before it was scanned")
				}
			}
		}
	}
}

func printQR(cmd *cobra.Command, code string) {
	fmt.Fprintln(cmd.OutOrStdout(), "Scan with WhatsApp > Linked devices:")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, cmd.OutOrStdout())
}
