// Command turnserver runs a standalone TURN server (RFC 5766/6062), built
// on internal/turn/server. Grounded on broker/broker.go's main() (flag
// parsing, a signal-driven shutdown, a single long-running process) but
// using github.com/spf13/cobra in place of the bare flag package, per
// SPEC_FULL.md's CLI stack.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/logging"
	"github.com/sourcey/libsourcey-go/internal/turn/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		udpAddr  string
		tcpAddr  string
		realm    string
		users    []string
		relayIP  string
	)

	cmd := &cobra.Command{
		Use:   "turnserver",
		Short: "Run a TURN relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := parseUsers(users)
			if err != nil {
				return err
			}

			cfg := server.Config{Realm: realm, Auth: auth}
			if relayIP != "" {
				ip := net.ParseIP(relayIP)
				if ip == nil {
					return fmt.Errorf("turnserver: invalid --relay-ip %q", relayIP)
				}
				cfg.RelayIP = ip
			}

			log := logging.New("turnserver", nil)
			loop := async.NewLoop()
			go loop.Run()
			defer loop.Stop()

			srv := server.New(loop, cfg, log)
			if err := srv.ListenUDP(udpAddr); err != nil {
				return fmt.Errorf("turnserver: listen udp: %w", err)
			}
			if tcpAddr != "" {
				if err := srv.ListenTCP(tcpAddr); err != nil {
					return fmt.Errorf("turnserver: listen tcp: %w", err)
				}
			}
			defer srv.Close()

			log.Info().Str("udp", srv.LocalAddr()).Str("realm", realm).Msg("turn server listening")
			srv.Run()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info().Msg("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&udpAddr, "udp", ":3478", "UDP listen address")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "TCP listen address (RFC 6062 allocations); disabled if empty")
	cmd.Flags().StringVar(&realm, "realm", "libsourcey", "TURN realm for long-term credentials")
	cmd.Flags().StringSliceVar(&users, "user", nil, "username:password pair, repeatable")
	cmd.Flags().StringVar(&relayIP, "relay-ip", "", "IP address advertised in RELAYED-ADDRESS (defaults to 0.0.0.0)")

	return cmd
}

// parseUsers turns a list of "username:password" flag values into a
// server.StaticAuthenticator.
func parseUsers(users []string) (server.StaticAuthenticator, error) {
	auth := make(server.StaticAuthenticator, len(users))
	for _, u := range users {
		parts := strings.SplitN(u, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("turnserver: --user must be username:password, got %q", u)
		}
		auth[parts[0]] = parts[1]
	}
	return auth, nil
}
