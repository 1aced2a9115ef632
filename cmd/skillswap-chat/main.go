// ABOUTME: Interactive terminal chat client for the skillswap backend.
// ABOUTME: Lists conversations, opens feeds, sends messages, shows live state.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/skillswap/chat-client/internal/config"
	"github.com/skillswap/chat-client/internal/feed"
	"github.com/skillswap/chat-client/internal/realtime"
	"github.com/skillswap/chat-client/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	server := flag.String("server", "", "Backend base URL (overrides config)")
	configPath := flag.String("config", "", "Config file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, configPath string) error {
	cfg, err := loadConfig(server, configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	gray := color.New(color.FgHiBlack)
	gray.Printf("skillswap-chat %s\n", version)
	fmt.Printf("Server: %s\n", cfg.Server.BaseURL)
	fmt.Println("Type /help for commands. Ctrl+C to quit.")
	fmt.Println()

	sess, err := session.New(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		if errors.Is(err, realtime.ErrHandshakeRejected) {
			return fmt.Errorf("credential rejected, check your token: %w", err)
		}
		return err
	}

	unsub := sess.Manager().OnConnectionChange(func(connected bool) {
		if connected {
			gray.Println("[connected]")
		} else {
			gray.Println("[connection lost, reconnecting]")
		}
	})
	defer unsub()

	app := &app{sess: sess}
	if err := sess.List().Load(ctx); err != nil {
		fmt.Printf("[error] %v\n", err)
	}
	app.printList()

	return app.loop(ctx)
}

// loadConfig resolves configuration: an existing config file wins, a bare
// -server flag works without one, and the flag overrides the file's URL.
func loadConfig(server, configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if server != "" {
			override, err := config.New(server)
			if err != nil {
				return nil, err
			}
			override.Auth = cfg.Auth
			override.Cache = cfg.Cache
			override.Logging = cfg.Logging
			return override, nil
		}
		return cfg, nil
	}

	if server == "" {
		return nil, fmt.Errorf("no config file at %s and no -server flag given", configPath)
	}
	return config.New(server)
}

// app holds the interactive state: which conversation is open and how much
// of its feed has been printed already. The mutex covers the open feed and
// print cursor, since feed updates arrive from the connection's goroutine.
type app struct {
	sess *session.Session

	mu      sync.Mutex
	open    *openFeed
	printed int
}

// openFeed is the currently open conversation view.
type openFeed struct {
	feed        *feed.Controller
	peerName    string
	typingShown bool
}

func (a *app) loop(ctx context.Context) error {
	// Stdin is line buffered: individual keystrokes are not observable, so
	// this client never calls the feed's NotifyTyping. Only the typing-stop
	// that accompanies each send goes out. A raw-terminal input path would
	// call NotifyTyping per keystroke.
	scanner := bufio.NewScanner(os.Stdin)

	for {
		a.prompt()

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			a.closeFeed()
			return nil
		case err := <-errCh:
			a.closeFeed()
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			a.closeFeed()
			return nil
		}

		if err := a.handle(ctx, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
}

func (a *app) prompt() {
	a.mu.Lock()
	open := a.open
	a.mu.Unlock()

	if open != nil {
		fmt.Printf("[%s]> ", open.peerName)
	} else {
		fmt.Print("> ")
	}
}

// current returns the open feed, or nil.
func (a *app) current() *openFeed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *app) handle(ctx context.Context, input string) error {
	switch {
	case input == "/help":
		printHelp()
		return nil

	case input == "/list":
		a.closeFeed()
		if err := a.sess.List().Load(ctx); err != nil {
			return err
		}
		a.printList()
		return nil

	case strings.HasPrefix(input, "/open"):
		arg := strings.TrimSpace(strings.TrimPrefix(input, "/open"))
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /open <number>")
		}
		return a.openConversation(ctx, n)

	case input == "/older":
		open := a.current()
		if open == nil {
			fmt.Println("No conversation open. Use /open <number> first.")
			return nil
		}
		if err := open.feed.LoadOlder(ctx); err != nil {
			return err
		}
		a.reprint()
		return nil

	case input == "/back":
		a.closeFeed()
		a.printList()
		return nil

	case strings.HasPrefix(input, "/"):
		return fmt.Errorf("unknown command %q, try /help", input)

	default:
		open := a.current()
		if open == nil {
			fmt.Println("No conversation open. Use /open <number> first.")
			return nil
		}
		open.feed.SetDraft(input)
		return open.feed.Send(ctx)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /list           Show conversations")
	fmt.Println("  /open <number>  Open a conversation")
	fmt.Println("  /older          Load older messages")
	fmt.Println("  /back           Return to the conversation list")
	fmt.Println("  /help           Show this help")
	fmt.Println("  /quit           Exit")
	fmt.Println()
	fmt.Println("Any other input sends a message to the open conversation.")
}

func (a *app) printList() {
	items := a.sess.List().Conversations()
	if len(items) == 0 {
		fmt.Println("No conversations yet.")
		return
	}

	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	fmt.Println("Conversations:")
	for i, item := range items {
		fmt.Printf("  %2d. ", i+1)
		bold.Print(item.OtherParticipant.DisplayName)
		if item.UnreadCount > 0 {
			yellow.Printf(" (%d unread)", item.UnreadCount)
		}
		fmt.Println()
		if item.LastMessagePreview != "" {
			gray.Printf("      %s\n", item.LastMessagePreview)
		}
	}
	fmt.Println()
}

func (a *app) openConversation(ctx context.Context, n int) error {
	items := a.sess.List().Conversations()
	if n < 1 || n > len(items) {
		return fmt.Errorf("no conversation %d", n)
	}
	target := items[n-1]

	a.closeFeed()
	fc := a.sess.OpenConversation(target.ID, target.OtherParticipant.ID)

	a.mu.Lock()
	a.open = &openFeed{
		feed:     fc,
		peerName: target.OtherParticipant.DisplayName,
	}
	a.printed = 0
	a.mu.Unlock()

	a.sess.List().Select(ctx, target.ID)
	fc.SetOnUpdate(a.printNew)

	if err := fc.LoadInitial(ctx); err != nil {
		a.closeFeed()
		return err
	}

	fmt.Println()
	color.New(color.Bold).Printf("--- %s ---\n", target.OtherParticipant.DisplayName)
	a.reprint()
	return nil
}

func (a *app) closeFeed() {
	a.mu.Lock()
	open := a.open
	a.open = nil
	a.printed = 0
	a.mu.Unlock()

	if open == nil {
		return
	}
	open.feed.SetOnUpdate(nil)
	open.feed.Close()
	a.sess.List().Deselect()
}

// reprint renders the whole open feed from the top.
func (a *app) reprint() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		return
	}
	entries := a.open.feed.Timeline()
	for _, e := range entries {
		a.printEntry(e, a.open.peerName)
	}
	a.printed = len(entries)
	if a.open.feed.HasMore() {
		color.New(color.FgHiBlack).Println("  (/older for more history)")
	}
}

// printNew renders only entries appended since the last print, plus the
// typing indicator. Invoked from the feed's update callback.
func (a *app) printNew() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open == nil {
		return
	}
	entries := a.open.feed.Timeline()
	for i := a.printed; i < len(entries); i++ {
		a.printEntry(entries[i], a.open.peerName)
	}
	a.printed = len(entries)

	typing := a.open.feed.PeerTyping()
	if typing && !a.open.typingShown {
		color.New(color.FgHiBlack).Printf("%s is typing...\n", a.open.peerName)
	}
	a.open.typingShown = typing
}

func (a *app) printEntry(e feed.Entry, peerName string) {
	gray := color.New(color.FgHiBlack)
	if e.DateLabel != "" {
		gray.Printf("--- %s ---\n", e.DateLabel)
	}

	m := e.Message
	stamp := m.CreatedAt.Local().Format("15:04")
	if m.SenderID == a.sess.SelfID() {
		mark := ""
		if m.ReadAt != nil {
			mark = " ✓"
		}
		color.New(color.FgGreen).Printf("%s you: ", stamp)
		fmt.Printf("%s%s\n", m.Body, mark)
	} else {
		color.New(color.FgCyan).Printf("%s %s: ", stamp, peerName)
		fmt.Println(m.Body)
	}
}
