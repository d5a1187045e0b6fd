// guestbridge - bridges website visitors into Rocket.Chat livechat

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal"
	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal/chat"
	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal/gateway"
	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal/migrate"
	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal/version"
)

func NewGuestbridgeCommand() *cobra.Command {
	short := fmt.Sprintf("%s guestbridge - Rocket.Chat livechat guest gateway v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "guestbridge",
		Short:   short,
		Example: "guestbridge gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		chat.NewChatCommand(),
		migrate.NewMigrateCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewGuestbridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
