package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relink/pkg/observability"
	"relink/pkg/protocol"
	"relink/pkg/reliable"
	"relink/pkg/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Listen for a peer and chat until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, "acceptor")
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Dial a peer and chat until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, "initiator")
		},
	}
}

func runChat(cmd *cobra.Command, role string) error {
	cfg, err := loadConfig(cmd, role)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("relink-chat started",
		zap.String("app", cfg.AppName),
		zap.String("name", cfg.Name),
		zap.String("role", role),
		zap.String("transport", cfg.Link.Transport),
		zap.String("addr", cfg.Link.Address()))

	link, err := reliable.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(m *protocol.Message, _ transport.PeerInfo) {
		fmt.Printf("\r<%s> %s\n> ", m.Sender, m.Payload)
	}
	if err := link.Start(ctx, handler); err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := link.Shutdown(sctx); err != nil {
			zap.L().Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	fmt.Printf("%s as %q on %s %s. Type /help for commands.\n",
		role, cfg.Name, cfg.Link.Transport, cfg.Link.Address())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	fmt.Print("> ")
	for {
		select {
		case <-sigs:
			fmt.Println()
			zap.L().Info("signal: shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, link, line); quit {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func handleChatLine(ctx context.Context, link *reliable.Link, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/stats":
		printStats(link.Stats())
	case line == "/help":
		fmt.Println("  <text>   send text to the peer (acknowledged)")
		fmt.Println("  /stats   show delivery counters")
		fmt.Println("  /quit    leave")
	case strings.HasPrefix(line, "/"):
		fmt.Printf("unknown command %q, try /help\n", line)
	default:
		// Send blocks up to the full retry budget
		if err := link.Send(ctx, line); err != nil {
			fmt.Printf("not delivered: %v\n", err)
		} else {
			fmt.Println("delivered")
		}
	}
	return false
}

func printStats(s reliable.Snapshot) {
	fmt.Printf("  sent=%d received=%d acks_sent=%d acked=%d retransmits=%d failed=%d errors=%d\n",
		s.Sent, s.Received, s.AcksSent, s.Acked, s.Retransmits, s.Failed, s.Errors)
	fmt.Printf("  duplicates=%d reconnects=%d heartbeats_sent=%d uptime=%s\n",
		s.Duplicates, s.Reconnects, s.HeartbeatsSent, s.Uptime.Round(time.Second))
}
