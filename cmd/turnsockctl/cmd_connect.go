package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/kuuji/turnsock/internal/config"
	"github.com/kuuji/turnsock/socket"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial the relay socket and echo every datagram back to its sender",
	Long: `connect loads the config file, dials the signaling server and TURN
allocation it describes, prints the resulting relayed address, and then
echoes every datagram it receives back to whichever peer sent it. Exit
with Ctrl-C.`,
	RunE: runConnect,
}

const connectReadBufferSize = 1500

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	logFactory := logging.NewDefaultLoggerFactory()
	sock := socket.New(socket.Config{
		ServerURL:  cfg.ServerURL,
		PeerID:     cfg.PeerID,
		TURNSecret: cfg.TURNSecret,
		Log:        logFactory.NewLogger("turnsock"),
		SignalLog:  globalLogger,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sock.Dial(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer sock.Close()

	fmt.Fprintf(os.Stderr, "relayed address: %s\n", sock.LocalAddr())

	errCh := make(chan error, 1)
	go func() { errCh <- echoLoop(sock) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func echoLoop(sock *socket.Socket) error {
	buf := make([]byte, connectReadBufferSize)
	for {
		n, from, err := sock.RecvFrom(buf)
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		peer, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		fmt.Fprintf(os.Stderr, "received %d bytes from %s\n", n, peer)
		if _, err := sock.SendTo(buf[:n], peer); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}
