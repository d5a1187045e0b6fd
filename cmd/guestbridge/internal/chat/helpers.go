package chat

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal"
	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/channels"
	"github.com/tinyland-inc/guestbridge/pkg/gateway"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
)

func chatCmd(opts chatOptions) error {
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	} else {
		// keep log lines from interleaving with the conversation
		logger.SetLevel(logger.WARN)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.NewBus()
	defer msgBus.Close()

	client, err := internal.Connect(ctx, cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error connecting to rocket.chat: %w", err)
	}
	defer client.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", internal.Logo),
		HistoryFile:     filepath.Join(os.TempDir(), ".guestbridge_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("error initializing readline: %w", err)
	}
	defer rl.Close()

	channelManager := channels.NewManager()
	gw := gateway.New(client, msgBus, channelManager, gateway.Options{
		RocketChat: cfg.RocketChat,
		Guest:      cfg.Guest,
		Debug:      opts.debug || cfg.Debug,
	})
	defer gw.Close()
	channelManager.SetHandler(gw.HandleInbound)

	console := channels.NewConsoleChannel(rl, rl, channels.Guest{
		Name:       opts.name,
		Email:      opts.email,
		Department: opts.department,
	}, channelManager.Dispatch)
	channelManager.Register(console)

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("error starting chat: %w", err)
	}
	fmt.Printf("%s Connected to %s. Type /quit or press Ctrl+C to leave.\n\n", internal.Logo, cfg.RocketChat.URL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	select {
	case <-console.Done():
	case <-sigChan:
		console.Stop(ctx)
		<-console.Done()
	case <-client.Done():
		fmt.Println("\n⚠ Connection to Rocket.Chat lost")
		console.Stop(ctx)
		<-console.Done()
	}

	fmt.Println("Goodbye!")
	return nil
}
