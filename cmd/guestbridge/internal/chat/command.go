package chat

import (
	"github.com/spf13/cobra"
)

type chatOptions struct {
	name       string
	email      string
	department string
	debug      bool
}

func NewChatCommand() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with livechat agents from the terminal",
		Args:  cobra.NoArgs,
		Example: `  guestbridge chat
  guestbridge chat --name Alice --email alice@example.com
  guestbridge chat --department sales -d`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return chatCmd(opts)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Visitor name (default: guest.default_name)")
	cmd.Flags().StringVar(&opts.email, "email", "", "Visitor email (default: guest.default_email)")
	cmd.Flags().StringVar(&opts.department, "department", "", "Livechat department id")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
