// Command sympled is a minimal Symple chat peer: it announces to a
// signaling server, prints the roster as peers come online, and relays
// stdin lines as "message" envelopes to a chosen peer id, printing
// whatever it receives. Grounded on client/snowflake.go's main() shape
// (flag-configured, connects, runs until interrupted) adapted from the
// WebRTC broker protocol to Symple, using cobra per SPEC_FULL.md's CLI
// stack.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/symple"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		port    int
		tls     bool
		user    string
		name    string
		token   string
		peerID  string
	)

	cmd := &cobra.Command{
		Use:   "sympled",
		Short: "Connect to a Symple signaling server and exchange messages with a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				return fmt.Errorf("sympled: --host is required")
			}

			loop := async.NewLoop()
			go loop.Run()
			defer loop.Stop()

			c := symple.New(loop, symple.Options{
				Host: host, Port: port, TLS: tls,
				User: user, Name: name, Type: "peer", Token: token,
			})
			c.OnError = func(err error) {
				fmt.Fprintf(os.Stderr, "sympled: error: %v\n", err)
			}
			c.OnMessage = func(m symple.Message) {
				from, _ := m.From()
				fmt.Printf("%s: %s\n", from.String(), m.Get("data").String())
			}
			c.OnPeerConnected = func(p *symple.Peer) {
				fmt.Fprintf(os.Stderr, "sympled: peer online: %s\n", p.ID())
			}
			c.OnPeerDisconnected = func(p *symple.Peer) {
				fmt.Fprintf(os.Stderr, "sympled: peer offline: %s\n", p.ID())
			}

			if err := c.Connect(); err != nil {
				return fmt.Errorf("sympled: connect: %w", err)
			}
			defer c.Close()

			if err := c.Announce(); err != nil {
				return fmt.Errorf("sympled: announce: %w", err)
			}
			fmt.Fprintf(os.Stderr, "sympled: announced as %s\n", c.OurID())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

			if peerID == "" {
				<-sig
				return nil
			}

			to := symple.Address{User: "peer", Name: peerID, ID: peerID}
			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-sig:
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					m := symple.NewMessage(symple.KindMessage, fmt.Sprintf("%d", os.Getpid()))
					m.SetTo(to)
					m.Set("data", line)
					if err := c.Send(m); err != nil {
						fmt.Fprintf(os.Stderr, "sympled: send: %v\n", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "signaling server host")
	cmd.Flags().IntVar(&port, "port", 4500, "signaling server port")
	cmd.Flags().BoolVar(&tls, "tls", false, "use TLS/wss for the connection")
	cmd.Flags().StringVar(&user, "user", "", "account username")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&peerID, "peer", "", "peer id to chat with; if empty, just stay online")

	return cmd
}
