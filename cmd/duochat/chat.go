package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/duochat/duochat/pkg/client"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the realtime chat session",
	Long: `Open the realtime chat session using the stored login.

Commands inside the session:
  /request <chat-id>   ask another user to chat
  /accept              accept the pending request
  /reject              reject the pending request
  /end                 end the current chat
  /report <reason>     report the current partner (attaches the transcript)
  /quit                leave

Anything else is sent to the current partner.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	// Pending incoming request, so /accept works without retyping ids.
	var pendingFrom string

	eng.OnMessage = func(sender, text string) {
		fmt.Printf("\r<%s> %s\n> ", sender, text)
	}
	eng.OnRequestReceived = func(from string) {
		pendingFrom = from
		fmt.Printf("\r[%s wants to chat: /accept or /reject]\n> ", from)
	}
	eng.OnRequestResult = func(status, by string) {
		switch status {
		case "accepted":
			fmt.Printf("\r[%s accepted, you are now chatting]\n> ", by)
		case "rejected":
			fmt.Printf("\r[%s rejected the request]\n> ", by)
		case "offline":
			fmt.Print("\r[that user is offline]\n> ")
		}
	}
	eng.OnChatEnded = func(from string) {
		fmt.Printf("\r[%s ended the chat]\n> ", from)
	}
	eng.OnServerError = func(msg string) {
		fmt.Printf("\r[server: %s]\n> ", msg)
	}
	eng.OnDisconnect = func(reason string) {
		fmt.Printf("\r[disconnected: %s]\n> ", reason)
	}

	if eng.TokenStale() {
		slog.Debug("stored access token stale; resume will refresh it")
	}

	ctx, cancel := cmdContext()
	user, err := eng.Resume(ctx)
	cancel()
	if err != nil {
		if eng.HandleAuthFailure(err) {
			return fmt.Errorf("session expired, log in again")
		}
		return err
	}
	defer eng.Close()

	fmt.Printf("Connected as %s (chat id %s). Type /request <chat-id> to start.\n", user.Username, user.ChatID)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			break
		}
		if err := handleChatLine(eng, line, &pendingFrom); err != nil {
			fmt.Println("error:", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func handleChatLine(eng *client.Engine, line string, pendingFrom *string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/request":
		if rest == "" {
			return fmt.Errorf("usage: /request <chat-id>")
		}
		return eng.RequestChat(rest)
	case "/accept":
		if *pendingFrom == "" {
			return fmt.Errorf("no pending request")
		}
		if err := eng.AcceptRequest(*pendingFrom); err != nil {
			return err
		}
		fmt.Printf("[chatting with %s]\n", *pendingFrom)
		*pendingFrom = ""
		return nil
	case "/reject":
		if *pendingFrom == "" {
			return fmt.Errorf("no pending request")
		}
		if err := eng.RejectRequest(*pendingFrom); err != nil {
			return err
		}
		*pendingFrom = ""
		return nil
	case "/end":
		eng.EndChat()
		fmt.Println("[chat ended]")
		return nil
	case "/report":
		if rest == "" {
			return fmt.Errorf("usage: /report <reason>")
		}
		if err := eng.ReportPartner(rest); err != nil {
			return err
		}
		fmt.Println("[report filed]")
		return nil
	default:
		if strings.HasPrefix(cmd, "/") {
			return fmt.Errorf("unknown command %s", cmd)
		}
		if eng.Session().Partner() == "" {
			return fmt.Errorf("no active chat; /request someone first")
		}
		eng.SendMessage(line)
		return nil
	}
}

// promptPassword reads a password without echo, falling back to plain
// reads when stdin is not a terminal (tests, pipes).
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
