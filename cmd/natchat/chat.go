package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/saintparish4/natchat/internal/config"
	"github.com/saintparish4/natchat/pkg/chat"
	"github.com/saintparish4/natchat/pkg/natchat"
	"github.com/saintparish4/natchat/pkg/types"
)

const prompt = chat.ColorCyan + "> " + chat.ColorReset

func chatCommand(ctx context.Context, cfg config.Client, opts options) error {
	svc, release, err := rendezvousService(ctx, cfg, opts.WS)
	if err != nil {
		return err
	}
	defer release()

	fmt.Printf("%sConnecting %s to %s via %s...%s\n",
		chat.ColorGray, opts.User, opts.Peer, cfg.Server.BaseURL(), chat.ColorReset)
	fmt.Printf("%sBoth of you need to run natchat at about the same time.%s\n\n", chat.ColorGray, chat.ColorReset)

	client := natchat.NewClient(cfg, svc)
	conn, err := client.Connect(ctx, types.PeerID(opts.User), types.PeerID(opts.Peer))
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("%s✓ Connected to %s at %s%s\n", chat.ColorGreen, opts.Peer, conn.Peer, chat.ColorReset)
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("%sType your message and press Enter. Type /quit to exit.%s\n\n", chat.ColorGray, chat.ColorReset)

	session := chat.NewSession(conn.Session, chat.SessionConfig{
		Username: opts.User,
		PeerName: opts.Peer,
		OnMessage: func(msg *chat.Message) {
			fmt.Print(chat.ClearLine())
			if line := chat.FormatMessage(msg, false); line != "" {
				fmt.Println(line)
			}
			fmt.Print(prompt)
		},
		OnError: func(err error) {
			fmt.Print(chat.ClearLine())
			fmt.Println(chat.FormatError(fmt.Errorf("connection error: %w", err)))
		},
	})
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()

	lines := make(chan string)
	go readLines(lines)

	fmt.Print(prompt)
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%sDisconnecting...%s\n", chat.ColorYellow, chat.ColorReset)
			return nil

		case <-session.Done():
			return errors.New("chat session ended")

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(session, conn, line); quit {
				fmt.Printf("%sDisconnecting...%s\n", chat.ColorYellow, chat.ColorReset)
				return nil
			}
			fmt.Print(prompt)
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleInput sends a line or runs a slash command. It reports whether the
// user asked to quit.
func handleInput(session *chat.Session, conn *natchat.Connection, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}

	if strings.HasPrefix(input, "/") {
		switch strings.ToLower(strings.Fields(input)[0]) {
		case "/quit", "/exit", "/q":
			return true
		case "/clear":
			fmt.Print("\033[H\033[2J")
		case "/status":
			printStatus(session, conn)
		case "/help":
			printHelp()
		default:
			fmt.Printf("%sUnknown command. Type /help for available commands.%s\n", chat.ColorGray, chat.ColorReset)
		}
		return false
	}

	sent, err := session.Send(input)
	if err != nil {
		fmt.Println(chat.FormatError(fmt.Errorf("sending message: %w", err)))
		return false
	}
	// Replace the echoed input with the formatted line.
	fmt.Print("\033[1A" + chat.ClearLine())
	fmt.Println(chat.FormatMessage(sent, true))
	return false
}

func printHelp() {
	fmt.Println()
	fmt.Println(chat.ColorBold + "Available Commands:" + chat.ColorReset)
	fmt.Println("  /quit, /exit, /q  - Disconnect and exit")
	fmt.Println("  /clear            - Clear the screen")
	fmt.Println("  /status           - Show connection status")
	fmt.Println("  /help             - Show this help message")
	fmt.Println()
}

func printStatus(session *chat.Session, conn *natchat.Connection) {
	fmt.Println()
	fmt.Println(chat.ColorBold + "Session Status:" + chat.ColorReset)
	fmt.Printf("  You:          %s (%s)\n", session.Username(), conn.Public)
	fmt.Printf("  Peer:         %s (%s)\n", session.PeerName(), conn.Peer)
	fmt.Printf("  Local socket: %s\n", conn.Session.LocalAddr())
	fmt.Printf("  Probes sent:  %d\n", conn.Session.Attempts())
	if last := conn.Session.LastReceived(); !last.IsZero() {
		fmt.Printf("  Last heard:   %s\n", last.Format("15:04:05"))
	}
	fmt.Printf("  Messages:     %d\n", len(session.Messages()))
	if conn.Discovery.Fallback {
		fmt.Printf("  %sPublic endpoint is a local fallback%s\n", chat.ColorYellow, chat.ColorReset)
	}
	fmt.Println()
}
