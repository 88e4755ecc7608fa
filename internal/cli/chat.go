// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/morganforge/chatrelay/internal/chat"
	"github.com/morganforge/chatrelay/internal/config"
	"github.com/morganforge/chatrelay/internal/controller"
	"github.com/morganforge/chatrelay/internal/keystore"
	"github.com/morganforge/chatrelay/internal/registry"
	"github.com/morganforge/chatrelay/internal/storage"
	"github.com/morganforge/chatrelay/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI wraps liner with persistent input history.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI with history loaded from the data directory.
func NewChatCLI(dataDir string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(dataDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads input history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads one line with history navigation.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and releases the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession is the state of one interactive session.
type ChatSession struct {
	Config     *config.Config
	Store      *chat.Store
	Storage    *storage.ConversationStore
	Keys       *keystore.Keystore
	Registry   *registry.Registry
	Controller *controller.Controller
	Input      *ChatCLI

	// Current is the conversation new messages go to.
	Current *chat.Conversation
}

// newChatSession assembles the session from configuration.
func newChatSession() (*ChatSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	keys, err := keystore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	persisted, err := storage.NewConversationStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store := chat.NewStore()
	saved, err := persisted.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, conv := range saved {
		store.AddConversation(conv)
	}

	ctrl := controller.New(store, keys, cfg.Client.RelayURL)
	ctrl.WithDeltaFunc(func(conversationID, messageID, delta string) {
		fmt.Print(delta)
	})

	current := store.CreateConversation(cfg.Client.DefaultProvider, cfg.Client.DefaultModel)

	return &ChatSession{
		Config:     cfg,
		Store:      store,
		Storage:    persisted,
		Keys:       keys,
		Registry:   registry.New(),
		Controller: ctrl,
		Input:      NewChatCLI(cfg.DataDir),
		Current:    current,
	}, nil
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

// HandleChatCommand runs the interactive chat REPL.
func HandleChatCommand(args []string) error {
	session, err := newChatSession()
	if err != nil {
		return err
	}
	defer session.Input.Close()
	defer session.Storage.Close()

	printWelcome(session)

	// Ctrl+C during a stream cancels that turn only; at the prompt it
	// surfaces as liner.ErrPromptAborted and ends the session.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			session.Controller.Cancel(session.Current.ID)
		}
	}()

	for {
		input, err := session.Input.ReadInput(promptStyle.Render(session.Current.Provider + "> "))
		if err != nil {
			// Ctrl+C at the prompt or EOF ends the session.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := session.handleSlashCommand(input)
			if err != nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %v", err)))
			}
			if quit {
				return nil
			}
			continue
		}

		if err := session.runTurn(input); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[error] %v", err)))
		}
	}
}

// runTurn submits one user message and streams the reply to the terminal.
func (s *ChatSession) runTurn(input string) error {
	err := s.Controller.Submit(context.Background(), s.Current.ID, input)
	fmt.Println()

	switch s.Controller.State(s.Current.ID) {
	case controller.TurnAborted:
		fmt.Println(warningStyle.Render("[cancelled]"))
	case controller.TurnFailed:
		if last := s.Current.LastMessage(); last != nil && last.Role == chat.RoleAssistant {
			fmt.Println(errorStyle.Render(last.Content))
		}
	}

	// Persist the settled transcript regardless of outcome.
	if saveErr := s.Storage.Save(s.Current); saveErr != nil {
		fmt.Fprintln(os.Stderr, warningStyle.Render(fmt.Sprintf("[warn] failed to persist conversation: %v", saveErr)))
	}
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand executes a /command. Returns true when the session
// should end.
func (s *ChatSession) handleSlashCommand(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		printHelp()

	case "/providers":
		for _, d := range s.Registry.ListEnabled() {
			fmt.Printf("  %s %s\n",
				commandStyle.Render(fmt.Sprintf("%-10s", d.ID)),
				infoStyle.Render(d.Name))
			for _, m := range d.Models {
				fmt.Printf("             %s %s\n", m.ID, dimStyle.Render("("+m.Name+")"))
			}
		}

	case "/provider":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /provider <id>")
		}
		d, ok := s.Registry.Lookup(args[0])
		if !ok || !d.Enabled {
			return false, fmt.Errorf("unknown provider: %s", args[0])
		}
		// Switching providers moves to that provider's first model.
		if err := s.Store.SetBinding(s.Current.ID, d.ID, d.Models[0].ID); err != nil {
			return false, err
		}
		fmt.Printf("%s %s\n",
			infoStyle.Render("using"),
			commandStyle.Render(d.ID+" / "+d.Models[0].ID))

	case "/model":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /model <id>")
		}
		if err := s.Registry.Validate(s.Current.Provider, args[0]); err != nil {
			return false, err
		}
		if err := s.Store.SetBinding(s.Current.ID, s.Current.Provider, args[0]); err != nil {
			return false, err
		}
		fmt.Printf("%s %s\n",
			infoStyle.Render("using"),
			commandStyle.Render(s.Current.Provider+" / "+args[0]))

	case "/new":
		s.Current = s.Store.CreateConversation(s.Current.Provider, s.Current.Model)
		fmt.Println(commandStyle.Render("started a new conversation"))

	case "/list":
		for _, conv := range s.Store.List() {
			marker := " "
			if conv.ID == s.Current.ID {
				marker = commandStyle.Render("*")
			}
			pin := ""
			if conv.Pinned {
				pin = " " + warningStyle.Render("[pinned]")
			}
			fmt.Printf("%s %s  %s%s\n", marker, dimStyle.Render(conv.ID), conv.DisplayTitle(), pin)
		}

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <conversation-id>")
		}
		conv, ok := s.Store.Conversation(args[0])
		if !ok {
			return false, fmt.Errorf("no such conversation: %s", args[0])
		}
		s.Current = conv
		fmt.Printf("%s %q\n", infoStyle.Render("opened"), conv.DisplayTitle())

	case "/history":
		for _, msg := range s.Current.Messages {
			fmt.Printf("%s %s\n", infoStyle.Render("["+msg.Role.String()+"]"), msg.Preview(100))
		}

	case "/clear":
		s.Store.Clear()
		if err := s.Storage.Clear(); err != nil {
			return false, err
		}
		s.Current = s.Store.CreateConversation(s.Config.Client.DefaultProvider, s.Config.Client.DefaultModel)
		fmt.Println(commandStyle.Render("cleared all conversations"))

	case "/key":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: /key <provider> <api-key>")
		}
		if _, ok := s.Registry.Lookup(args[0]); !ok {
			return false, fmt.Errorf("unknown provider: %s", args[0])
		}
		if err := s.Keys.Set(args[0], args[1]); err != nil {
			return false, err
		}
		fmt.Printf("%s %s %s\n",
			commandStyle.Render("stored key for"),
			args[0],
			dimStyle.Render("("+util.MaskSecret(args[1])+")"))

	case "/keys":
		for _, id := range s.Keys.List() {
			masked, err := s.Keys.Masked(id)
			if err != nil {
				continue
			}
			fmt.Printf("  %s %s\n",
				commandStyle.Render(fmt.Sprintf("%-10s", id)),
				dimStyle.Render(masked))
		}

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", cmd)
	}
	return false, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

// printWelcome shows session info on startup.
func printWelcome(s *ChatSession) {
	fmt.Println()
	fmt.Println(welcomeStyle.Render("chatrelay interactive chat " + Version))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 30)))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Provider:"),
		commandStyle.Render(s.Current.Provider+" / "+s.Current.Model))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Relay:"),
		commandStyle.Render(s.Config.Client.RelayURL))
	fmt.Println()
	fmt.Println(infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println(infoStyle.Render("Ctrl+C cancels a streaming reply"))
	fmt.Println()
}

// printHelp lists the slash commands.
func printHelp() {
	fmt.Println()
	fmt.Println(welcomeStyle.Render("Available Commands"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/providers", "List providers and models"},
		{"/provider <id>", "Switch provider (uses its first model)"},
		{"/model <id>", "Switch model within the current provider"},
		{"/new", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open <id>", "Switch to a conversation"},
		{"/history", "Show the current transcript"},
		{"/clear", "Delete all conversations"},
		{"/key <provider> <key>", "Store an API key"},
		{"/keys", "List stored keys (masked)"},
		{"/quit", "Exit"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			commandStyle.Render(fmt.Sprintf("%-22s", c.cmd)),
			infoStyle.Render(c.desc))
	}
	fmt.Println()
}
