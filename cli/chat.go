// Interactive chat behind the login gate.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/richinex/tally/agent"
	"github.com/richinex/tally/gate"
	"github.com/richinex/tally/internal/logging"
	"github.com/richinex/tally/llm"
	"github.com/richinex/tally/storage"
	"golang.org/x/term"
)

const maxLoginAttempts = 3

// ErrLoginFailed is returned after maxLoginAttempts attempts without success.
var ErrLoginFailed = errors.New("login failed")

// defaultDBPath holds chat history for named sessions.
const defaultDBPath = ".tally/history.db"

// DefaultDBPath returns the chat history database path.
func DefaultDBPath() string {
	return defaultDBPath
}

// Chat starts an interactive session. With a session ID the conversation is
// kept in the SQLite history store at dbPath and resumed on the next run;
// without one it lives in memory.
func Chat(ctx context.Context, sessionID, dbPath string, opts Options) error {
	app, err := Bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	in := bufio.NewReader(os.Stdin)
	g := gate.New(gate.Credentials{Username: app.Settings.Auth.Username, Password: app.Settings.Auth.Password})
	user, err := login(g, in, os.Stderr, func() (string, error) {
		return readSecret(in, os.Stderr, "Password: ")
	})
	if err != nil {
		return err
	}

	var store storage.ConversationStorage
	if sessionID != "" {
		s, err := storage.OpenSqlite(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer s.Close()
		store = s
	} else {
		store = storage.NewInMemoryStorage()
		sessionID = uuid.NewString()
	}

	history, err := store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) > 0 {
		pterm.Info.Printfln("Resuming session '%s' (%d messages)", sessionID, len(history))
	}

	pterm.DefaultSection.Printfln("Signed in as %s. Ask about %s. Type 'exit' to quit.", user, app.DB.Source())

	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		input := strings.TrimSpace(line)
		if input == "exit" || input == "quit" {
			return nil
		}
		if input != "" {
			history = chatTurn(ctx, app, store, sessionID, input, history, opts.Verbose)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ListSessions prints the chat sessions saved in dbPath, most recent first.
func ListSessions(ctx context.Context, dbPath string) error {
	store, err := storage.OpenSqlite(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	n, err := listSessions(ctx, os.Stdout, store)
	if err != nil {
		return err
	}
	if n == 0 {
		pterm.Info.Printfln("No saved sessions in %s", dbPath)
	}
	return nil
}

func listSessions(ctx context.Context, w io.Writer, store storage.ConversationStorage) (int, error) {
	ids, err := store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return len(ids), nil
}

// chatTurn runs one question and returns the history extended with the full
// run. Failed runs leave the history unchanged.
func chatTurn(ctx context.Context, app *App, store storage.ConversationStorage, sessionID, input string, history []llm.ChatMessage, verbose bool) []llm.ChatMessage {
	var (
		turn []llm.ChatMessage
		last agent.Event
	)
	for event, err := range app.Agent.StreamWithHistory(ctx, input, history) {
		if err != nil {
			pterm.Error.Println(logging.PresentError("The assistant could not answer", err))
			return history
		}
		if verbose && event.Kind != agent.EventAnswer {
			printEvent(os.Stderr, event)
		}
		turn = append(turn, event.Message)
		last = event
	}

	fmt.Printf("\n%s\n\n", last.Text())

	history = append(history, turn...)
	if err := store.Save(ctx, sessionID, history); err != nil {
		pterm.Warning.Printfln("failed to save history: %v", err)
	}
	return history
}

// Authenticator classifies login attempts.
type Authenticator interface {
	Check(username, password string) gate.State
}

// login prompts until the gate accepts the credentials or the attempts run
// out. It returns the signed-in username.
func login(auth Authenticator, in *bufio.Reader, out io.Writer, readPassword func() (string, error)) (string, error) {
	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		fmt.Fprint(out, "Username: ")
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read username: %w", err)
		}
		username := strings.TrimRight(line, "\r\n")

		password, err := readPassword()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		switch auth.Check(username, password) {
		case gate.Authenticated:
			return username, nil
		case gate.Rejected:
			fmt.Fprintln(out, "Incorrect username or password.")
		default:
			fmt.Fprintln(out, "Please log in to use the application.")
		}
	}
	return "", ErrLoginFailed
}

// readSecret reads a line without echo when stdin is a terminal, otherwise
// from in.
func readSecret(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
