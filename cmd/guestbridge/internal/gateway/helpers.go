package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/tinyland-inc/guestbridge/cmd/guestbridge/internal"
	"github.com/tinyland-inc/guestbridge/pkg/bus"
	"github.com/tinyland-inc/guestbridge/pkg/channels"
	"github.com/tinyland-inc/guestbridge/pkg/config"
	gw "github.com/tinyland-inc/guestbridge/pkg/gateway"
	"github.com/tinyland-inc/guestbridge/pkg/logger"
	"github.com/tinyland-inc/guestbridge/pkg/notify"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.WebChat.Enabled {
		return errors.New("no channels enabled: set webchat.enabled in the config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.NewBus()
	client, err := internal.Connect(ctx, cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error connecting to rocket.chat: %w", err)
	}
	fmt.Printf("✓ Connected to %s (session %s)\n", cfg.RocketChat.URL, client.Session())

	forwarder := notify.NewForwarder(newPublisher(cfg.Notify))
	forwarder.Attach(msgBus)

	channelManager := channels.NewManager()
	gateway := gw.New(client, msgBus, channelManager, gw.Options{
		RocketChat: cfg.RocketChat,
		Guest:      cfg.Guest,
		Debug:      cfg.Debug,
	})
	channelManager.SetHandler(gateway.HandleInbound)
	channelManager.Register(channels.NewWebChatChannel(cfg.WebChat, channelManager.Dispatch))

	if err := channelManager.StartAll(ctx); err != nil {
		gateway.Close()
		client.Close()
		forwarder.Close()
		return fmt.Errorf("error starting channels: %w", err)
	}
	fmt.Printf("✓ WebChat listening on ws://%s%s\n", cfg.WebChat.Addr(), cfg.WebChat.Path)
	fmt.Printf("✓ Health endpoint available at http://%s/health\n", cfg.WebChat.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	select {
	case <-sigChan:
	case <-client.Done():
		fmt.Println("⚠ Connection to Rocket.Chat lost")
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	channelManager.StopAll(shutdownCtx)
	gateway.Close()
	client.Close()
	if err := forwarder.Close(); err != nil {
		logger.WarnCF("notify", "Publisher close failed", map[string]any{"error": err.Error()})
	}
	msgBus.Close()
	cancel()
	fmt.Println("✓ Gateway stopped")

	return nil
}

// newPublisher returns the AMQP publisher when notifications are enabled,
// falling back to a no-op publisher if the broker is unreachable.
func newPublisher(cfg config.NotifyConfig) notify.Publisher {
	if !cfg.Enabled {
		return notify.Nop{}
	}
	pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, cfg.RoutingPrefix)
	if err != nil {
		fmt.Printf("⚠ Notifications disabled: %v\n", err)
		return notify.Nop{}
	}
	fmt.Printf("✓ Publishing notifications to exchange %s\n", cfg.Exchange)
	return pub
}
