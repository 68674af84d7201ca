// Command turnclient allocates a TURN relay address from a server, adds
// a permission for a peer, and relays lines typed on stdin to it via Send
// indications. It binds no channel and does not print data received from
// the peer. Grounded on client/snowflake.go's
// main() shape (flag-configured single-purpose client, one-shot run then
// exit) adapted from WebRTC-over-the-broker to the TURN relay protocol,
// using cobra per SPEC_FULL.md's CLI stack.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/turn/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server   string
		username string
		password string
		peerAddr string
		tcp      bool
	)

	cmd := &cobra.Command{
		Use:   "turnclient",
		Short: "Allocate a TURN relay and exchange data with one peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("turnclient: --server is required")
			}

			transport := netio.TransportUDP
			if tcp {
				transport = netio.TransportTCP
			}

			loop := async.NewLoop()
			go loop.Run()
			defer loop.Stop()

			c := client.New(loop, client.Config{
				ServerAddress: server,
				Username:      username,
				Password:      password,
				Transport:     transport,
			})
			c.OnStateChange(func(s client.State) {
				fmt.Fprintf(os.Stderr, "turnclient: state -> %s\n", s)
			})

			if err := c.Initiate(); err != nil {
				return fmt.Errorf("turnclient: allocate: %w", err)
			}
			fmt.Fprintf(os.Stderr, "turnclient: relayed address %s\n", c.RelayedAddress())

			if peerAddr == "" {
				select {}
			}

			peer, err := net.ResolveUDPAddr("udp", peerAddr)
			if err != nil {
				return fmt.Errorf("turnclient: resolve peer: %w", err)
			}
			if err := c.AddPermission(peer.IP); err != nil {
				return fmt.Errorf("turnclient: add permission: %w", err)
			}

			fmt.Fprintln(os.Stderr, "turnclient: type a line to send to the peer")
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err := c.SendData(scanner.Bytes(), peer); err != nil {
					fmt.Fprintf(os.Stderr, "turnclient: send: %v\n", err)
				}
				time.Sleep(10 * time.Millisecond)
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "TURN server address, host:port")
	cmd.Flags().StringVar(&username, "username", "", "long-term credential username")
	cmd.Flags().StringVar(&password, "password", "", "long-term credential password")
	cmd.Flags().StringVar(&peerAddr, "peer", "", "peer address to permission and relay to, host:port")
	cmd.Flags().BoolVar(&tcp, "tcp", false, "request a TCP allocation (RFC 6062) instead of UDP")

	return cmd
}
