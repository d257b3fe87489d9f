package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"relink/pkg/protocol"
	"relink/pkg/reliable"
	"relink/pkg/transport"
	"relink/pkg/transport/mem"
)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run both ends of a link in-process and show the delivery flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

func runDemo() error {
	tr := mem.New()
	const addr = "mem://demo"
	ctx := context.Background()

	base := reliable.Options{
		Transport:         tr,
		Address:           addr,
		AckTimeout:        500 * time.Millisecond,
		MaxRetries:        3,
		HeartbeatInterval: time.Second,
	}

	accOpts := base
	accOpts.Role = reliable.RoleAcceptor
	accOpts.Name = "bravo"
	acc, err := reliable.New(accOpts)
	if err != nil {
		return err
	}
	if err := acc.Start(ctx, func(m *protocol.Message, _ transport.PeerInfo) {
		fmt.Printf("  [bravo] got %q from %s (id=%d)\n", m.Payload, m.Sender, m.ID)
	}); err != nil {
		return err
	}

	initOpts := base
	initOpts.Role = reliable.RoleInitiator
	initOpts.Name = "alpha"
	init, err := reliable.New(initOpts)
	if err != nil {
		return err
	}
	if err := init.Start(ctx, nil); err != nil {
		return err
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = init.Shutdown(sctx)
		_ = acc.Shutdown(sctx)
	}()

	fmt.Println("acknowledged sends:")
	for i := 1; i <= 3; i++ {
		text := fmt.Sprintf("message %d", i)
		if err := init.Send(ctx, text); err != nil {
			fmt.Printf("  [alpha] %q failed: %v\n", text, err)
			continue
		}
		fmt.Printf("  [alpha] %q delivered\n", text)
	}

	fmt.Println("best-effort send:")
	if err := init.SendBestEffort("no ack requested"); err != nil {
		fmt.Printf("  [alpha] failed: %v\n", err)
	}
	// give the unacknowledged frame a moment to land
	time.Sleep(100 * time.Millisecond)

	fmt.Println("alpha counters:")
	printStats(init.Stats())
	fmt.Println("bravo counters:")
	printStats(acc.Stats())
	return nil
}
