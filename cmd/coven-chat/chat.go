// ABOUTME: Interactive terminal chat built on the session controller
// ABOUTME: Reads commands and messages from stdin and prints live transcript updates

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/client"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

// historyLines is how much of a conversation is shown when it is opened.
const historyLines = 20

// previewRunes caps the last-message preview in the conversation list.
const previewRunes = 40

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	httpAddr := fs.String("server", "", "HTTP address of the server")
	grpcAddr := fs.String("live", "", "gRPC address for live updates")
	with := fs.String("with", "", "Open the conversation with this user")
	logLevel := fs.String("log-level", "warn", "Log level (debug/info/warn/error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token := getToken()
	if token == "" {
		return errors.New("not logged in: run coven-chat login or set COVEN_CHAT_TOKEN")
	}
	userID, err := auth.Subject(token)
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}

	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: *logLevel})
	addrs := resolveAddrs(cfg, *httpAddr, *grpcAddr)

	api := client.New(addrs.httpURL(), token, client.WithHTTPClient(&http.Client{Timeout: cfg.Chat.RequestTimeout + 5*time.Second}))
	watcher, err := live.Dial(addrs.grpc, token,
		live.WithReconnectBackoff(cfg.Chat.ReconnectMin, cfg.Chat.ReconnectMax),
		live.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("connecting live updates: %w", err)
	}
	defer watcher.Close()

	ctrl := session.New(userID, api, api, watcher,
		session.WithRequestTimeout(cfg.Chat.RequestTimeout),
		session.WithLogger(logger),
	)
	defer ctrl.Close()

	t := newTranscript(os.Stdout, userID, api, logger)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for snap := range ctrl.Updates() {
			t.render(ctx, snap)
		}
	}()

	if err := ctrl.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	if err := t.showList(ctx); err != nil {
		t.printError(err)
	}

	if *with != "" {
		if err := t.openWith(ctx, ctrl, api, *with); err != nil {
			t.printError(err)
		}
	}

	fmt.Println("Type a message and press Enter. /help for commands.")
	err = chatLoop(ctx, ctrl, api, t)

	_ = ctrl.Close()
	<-rendered
	fmt.Println("\nGoodbye!")
	return err
}

func chatLoop(ctx context.Context, ctrl *session.Controller, api *client.Client, t *transcript) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				if _, err := ctrl.Send(ctx, line); err != nil {
					t.printError(err)
				}
				continue
			}

			cmd, arg, _ := strings.Cut(line, " ")
			arg = strings.TrimSpace(arg)
			switch cmd {
			case "/quit", "/exit":
				return nil
			case "/help":
				printChatHelp()
			case "/list":
				if err := ctrl.Load(ctx); err != nil {
					t.printError(err)
					continue
				}
				if err := t.showList(ctx); err != nil {
					t.printError(err)
				}
			case "/users":
				if err := t.showUsers(ctx, arg); err != nil {
					t.printError(err)
				}
			case "/with":
				if arg == "" {
					t.printError(errors.New("usage: /with USERNAME"))
					continue
				}
				if err := t.openWith(ctx, ctrl, api, arg); err != nil {
					t.printError(err)
				}
			case "/switch":
				if err := t.switchTo(ctx, ctrl, arg); err != nil {
					t.printError(err)
				}
			default:
				t.printError(fmt.Errorf("unknown command %s", cmd))
			}
		}
	}
}

func printChatHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /with USERNAME   open the conversation with a user")
	fmt.Println("  /switch N        open conversation N from /list")
	fmt.Println("  /list            refresh and show your conversations")
	fmt.Println("  /users [QUERY]   find people to talk to")
	fmt.Println("  /quit            leave")
}

// transcript prints the active conversation as snapshots arrive.
type transcript struct {
	out    io.Writer
	userID string
	api    *client.Client
	logger *slog.Logger

	mu      sync.Mutex
	names   map[string]string
	list    []*store.Conversation
	current string
	printed map[string]bool
}

func newTranscript(out io.Writer, userID string, api *client.Client, logger *slog.Logger) *transcript {
	return &transcript{
		out:     out,
		userID:  userID,
		api:     api,
		logger:  logger,
		names:   map[string]string{userID: "you"},
		printed: map[string]bool{},
	}
}

func (t *transcript) openWith(ctx context.Context, ctrl *session.Controller, api *client.Client, username string) error {
	profile, err := api.LookupUser(ctx, username)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.names[profile.ID] = profile.Username
	t.mu.Unlock()

	_, err = ctrl.ResolveAndSelect(ctx, profile.ID)
	return err
}

func (t *transcript) switchTo(ctx context.Context, ctrl *session.Controller, arg string) error {
	n, err := strconv.Atoi(arg)
	t.mu.Lock()
	list := t.list
	t.mu.Unlock()
	if err != nil || n < 1 || n > len(list) {
		return fmt.Errorf("usage: /switch N where N is 1..%d", len(list))
	}
	return ctrl.Select(ctx, list[n-1].ID)
}

// showList fetches the conversation summaries and prints them numbered for
// /switch.
func (t *transcript) showList(ctx context.Context) error {
	sums, err := t.api.ListSummaries(ctx)
	if err != nil {
		return err
	}
	t.printList(sums)
	return nil
}

func (t *transcript) printList(sums []client.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.list = make([]*store.Conversation, len(sums))
	for i, sum := range sums {
		t.list[i] = sum.Conversation
		if sum.Participant != nil {
			t.names[sum.Participant.ID] = sum.Participant.Username
		}
	}
	if len(sums) == 0 {
		fmt.Fprintln(t.out, "No conversations yet. Start one with /with USERNAME.")
		return
	}
	cyan := color.New(color.FgCyan)
	cyan.Fprintln(t.out, "Conversations:")
	for i, sum := range sums {
		c := sum.Conversation
		fmt.Fprintf(t.out, "  %d. %s  %s  %s\n", i+1, t.nameLocked(c.Other(t.userID)),
			color.HiBlackString(c.UpdatedAt.Local().Format("Jan 02 15:04")),
			t.previewLocked(sum.LastMessage))
	}
}

// previewLocked shortens the last message to one line for the list.
func (t *transcript) previewLocked(m *store.Message) string {
	if m == nil {
		return color.HiBlackString("(no messages)")
	}
	text := strings.Join(strings.Fields(m.Content), " ")
	if r := []rune(text); len(r) > previewRunes {
		text = string(r[:previewRunes-1]) + "…"
	}
	if m.SenderID == t.userID {
		text = "you: " + text
	}
	return text
}

// showUsers prints the people matching query, everyone when it is empty.
func (t *transcript) showUsers(ctx context.Context, query string) error {
	profiles, err := t.api.SearchUsers(ctx, query)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(profiles) == 0 {
		fmt.Fprintln(t.out, "No matching users.")
		return nil
	}
	color.New(color.FgCyan).Fprintln(t.out, "Users:")
	for _, p := range profiles {
		t.names[p.ID] = p.Username
		if p.DisplayName != "" && p.DisplayName != p.Username {
			fmt.Fprintf(t.out, "  %s  %s\n", p.Username, color.HiBlackString(p.DisplayName))
		} else {
			fmt.Fprintf(t.out, "  %s\n", p.Username)
		}
	}
	fmt.Fprintln(t.out, "Open a conversation with /with USERNAME.")
	return nil
}

func (t *transcript) printError(err error) {
	color.New(color.FgRed).Fprintf(t.out, "! %v\n", err)
}

// render prints messages of the active conversation not shown yet.
func (t *transcript) render(ctx context.Context, snap session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Conversations != nil {
		t.list = snap.Conversations
	}
	if snap.Err != nil {
		color.New(color.FgYellow).Fprintf(t.out, "! refresh failed: %v\n", snap.Err)
	}
	if snap.State != session.StateConversationActive {
		return
	}

	msgs := snap.Messages
	if snap.ConversationID != t.current {
		t.current = snap.ConversationID
		t.printed = map[string]bool{}
		cyan := color.New(color.FgCyan, color.Bold)
		cyan.Fprintf(t.out, "── %s ──\n", t.nameLocked(t.otherInLocked(snap.ConversationID)))
		if len(msgs) > historyLines {
			for _, m := range msgs[:len(msgs)-historyLines] {
				t.printed[m.ID] = true
			}
		}
	}

	var unread []string
	for _, m := range msgs {
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		t.printMessageLocked(m)
		if m.SenderID != t.userID && m.ReadAt == nil {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) > 0 {
		go t.markRead(ctx, unread)
	}
}

func (t *transcript) printMessageLocked(m *store.Message) {
	stamp := color.HiBlackString(m.CreatedAt.Local().Format("15:04"))
	name := t.nameLocked(m.SenderID)
	if m.SenderID == t.userID {
		name = color.GreenString(name)
	} else {
		name = color.CyanString(name)
	}
	fmt.Fprintf(t.out, "%s %s: %s\n", stamp, name, m.Content)
}

func (t *transcript) markRead(ctx context.Context, ids []string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := t.api.MarkRead(ctx, id); err != nil {
			t.logger.Debug("mark read failed", "message_id", id, "error", err)
			return
		}
	}
}

func (t *transcript) otherInLocked(conversationID string) string {
	for _, c := range t.list {
		if c.ID == conversationID {
			return c.Other(t.userID)
		}
	}
	return ""
}

func (t *transcript) nameLocked(userID string) string {
	if name, ok := t.names[userID]; ok {
		return name
	}
	if len(userID) > 8 {
		return userID[:8]
	}
	if userID == "" {
		return "?"
	}
	return userID
}
