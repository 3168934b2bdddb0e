package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"rendezvous/internal/client"
	"rendezvous/internal/constants"
	"rendezvous/internal/identity"
	"rendezvous/internal/utils"
)

// Minimal terminal chat against the relay: generates an ephemeral identity,
// authenticates, and either waits for an invite or invites the given peer.
// Every line typed is sent end-to-end encrypted on the active session.
func main() {
	relayURL := flag.String("relay", utils.GetEnv("RELAY_URL", constants.DefaultRelayURL), "relay WebSocket URL")
	peer := flag.String("peer", "", "hex public key to invite (omit to wait for invites)")
	sessionID := flag.String("session", "", "session id for the invite (random if empty)")
	flag.Parse()

	key, err := identity.Generate()
	if err != nil {
		fmt.Printf("%sFailed to generate identity: %v%s\n", constants.ColorRed, err, constants.ColorReset)
		os.Exit(1)
	}

	printBanner()
	printField("Relay", *relayURL, constants.ColorCyan)
	printField("Identity", key.PublicHex(), constants.ColorGreen)

	active := make(chan string, 1)
	invites := make(chan string, 1)

	c, err := client.Dial(*relayURL, key, client.Handlers{
		OnAuthenticated: func() {
			printHint("Authenticated with relay")
		},
		OnInvite: func(from, sid string) {
			printHint(fmt.Sprintf("Invite from %s (session %s), accepting", from, sid))
			select {
			case invites <- sid:
			default:
			}
		},
		OnAccept: func(sid string) {
			printHint(fmt.Sprintf("Peer accepted session %s", sid))
			select {
			case active <- sid:
			default:
			}
		},
		OnDecline: func(sid string) {
			printError(fmt.Sprintf("Peer declined session %s", sid))
			os.Exit(1)
		},
		OnText: func(sid string, plaintext []byte) {
			fmt.Printf("  %s◂ %s%s\n", constants.ColorPurple, string(plaintext), constants.ColorReset)
		},
		OnClose: func(sid, reason string) {
			printError(fmt.Sprintf("Session %s closed: %s", sid, reason))
			os.Exit(0)
		},
		OnError: func(message string) {
			printError(message)
		},
		OnDisconnect: func(err error) {
			printError("Disconnected from relay")
			os.Exit(1)
		},
	})
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	defer c.Close()

	if *peer != "" {
		sid := *sessionID
		if sid == "" {
			sid = uuid.New().String()
		}
		if err := c.Invite(*peer, sid); err != nil {
			printError(err.Error())
			os.Exit(1)
		}
		printHint(fmt.Sprintf("Invited %s (session %s)", *peer, sid))
	} else {
		printHint("Waiting for an invite...")
	}

	go func() {
		for sid := range invites {
			if err := c.Accept(sid); err != nil {
				printError(err.Error())
				continue
			}
			select {
			case active <- sid:
			default:
			}
		}
	}()

	sid := <-active
	printHint("Session active. Type to chat, Ctrl-D to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.SendText(sid, []byte(line)); err != nil {
			printError(err.Error())
		}
	}

	c.CloseSession(sid)
}

func printBanner() {
	fmt.Println()
	fmt.Printf("  %s%s%s%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan,
		constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Printf("  %sEncrypted rendezvous chat%s\n", constants.ColorDim, constants.ColorReset)
	fmt.Println()
}

func printHint(text string) {
	fmt.Printf("  %s%s%s\n", constants.ColorDim, text, constants.ColorReset)
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-10s%s %s%s%s\n", constants.ColorDim, label, constants.ColorReset, valueColor, value, constants.ColorReset)
}

func printError(text string) {
	fmt.Printf("  %s%s%s\n", constants.ColorRed, text, constants.ColorReset)
}
