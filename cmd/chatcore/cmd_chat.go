package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/transport/ws"
)

var chatOpts struct {
	addr      string
	token     string
	clientID  string
	sessionID string
	model     string
}

func init() {
	chatCmd.Flags().StringVar(&chatOpts.addr, "addr", "ws://localhost:8080/v1/ws", "WebSocket endpoint")
	chatCmd.Flags().StringVar(&chatOpts.token, "token", os.Getenv("CHATCORE_TOKEN"), "bearer token; anonymous when empty")
	chatCmd.Flags().StringVar(&chatOpts.clientID, "client-id", "", "anonymous client key (default: random)")
	chatCmd.Flags().StringVar(&chatOpts.sessionID, "session", "", "resume this session instead of starting a new one")
	chatCmd.Flags().StringVar(&chatOpts.model, "model", "", "model override for every message")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server from the terminal",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// frame is any server-to-client message.
type frame struct {
	Type       string               `json:"type"`
	RequestID  string               `json:"request_id"`
	SessionID  string               `json:"session_id"`
	PreviousID string               `json:"previous_id"`
	Delta      *domain.MessageDelta `json:"delta"`
	Session    *domain.Session      `json:"session"`
	Error      *domain.ErrorBody    `json:"error"`
}

// chatClient is a terminal WebSocket client.
type chatClient struct {
	conn *websocket.Conn
	out  io.Writer
	tty  bool

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
}

func dialChat(addr, token, clientID string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if clientID != "" {
		header.Set(auth.ClientIDHeader, clientID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (c *chatClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *chatClient) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *chatClient) write(msg ws.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *chatClient) prompt() {
	if c.tty {
		fmt.Fprint(c.out, "> ")
	}
}

// readLoop prints server frames until the connection closes.
func (c *chatClient) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Fprintf(c.out, "\nconnection closed: %v\n", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(c.out, "\nbad frame: %v\n", err)
			continue
		}
		c.handle(f)
	}
}

func (c *chatClient) handle(f frame) {
	switch f.Type {
	case ws.TypeSubscribed:
		if f.Session != nil {
			for _, m := range f.Session.Messages {
				fmt.Fprintf(c.out, "[%s] %s\n", m.Role, m.Content)
			}
		}
		c.prompt()
	case ws.TypeError:
		if f.Error != nil {
			fmt.Fprintf(c.out, "\nerror (%s): %s\n", f.Error.Code, f.Error.Message)
		}
		c.prompt()
	case string(domain.EventSessionRolledOver):
		c.setSession(f.SessionID)
		fmt.Fprintf(c.out, "\n-- session ended, continuing in %s --\n", f.SessionID)
		c.prompt()
	case string(domain.EventMessageDelta):
		if f.Delta != nil {
			c.printDelta(f.Delta)
		}
	}
}

func (c *chatClient) printDelta(d *domain.MessageDelta) {
	switch d.Type {
	case domain.DeltaContent:
		fmt.Fprint(c.out, d.Content)
	case domain.DeltaWarning:
		if d.Error != nil {
			fmt.Fprintf(c.out, "\nwarning: %s\n", d.Error.Message)
		}
	case domain.DeltaMessage:
		if d.Message != nil && d.Message.Metadata.Error {
			fmt.Fprintf(c.out, "\n%s", d.Message.Content)
		}
	case domain.DeltaState:
		if d.State.Terminal() {
			fmt.Fprintln(c.out)
			c.prompt()
		}
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	clientID := chatOpts.clientID
	if clientID == "" && chatOpts.token == "" {
		clientID = uuid.NewString()
	}
	conn, err := dialChat(chatOpts.addr, chatOpts.token, clientID)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &chatClient{
		conn: conn,
		out:  cmd.OutOrStdout(),
		tty:  term.IsTerminal(int(os.Stdin.Fd())),
	}
	done := make(chan struct{})
	go c.readLoop(done)

	if chatOpts.sessionID != "" {
		c.setSession(chatOpts.sessionID)
		if err := c.write(ws.ClientMessage{Type: ws.TypeSubscribe, SessionID: chatOpts.sessionID}); err != nil {
			return err
		}
	} else {
		c.setSession(uuid.NewString())
		fmt.Fprintf(c.out, "Session %s\n", c.session())
		if c.tty {
			fmt.Fprintln(c.out, "Commands: /cancel stops the reply, /quit exits")
		}
		c.prompt()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return closeChat(conn, done)
			}
			input := strings.TrimSpace(line)
			switch input {
			case "":
				c.prompt()
				continue
			case "/quit":
				return closeChat(conn, done)
			case "/cancel":
				err = c.write(ws.ClientMessage{Type: ws.TypeCancel, SessionID: c.session()})
			default:
				err = c.write(ws.ClientMessage{
					Type:      ws.TypeSend,
					RequestID: uuid.NewString(),
					SessionID: c.session(),
					Text:      input,
					Model:     chatOpts.model,
				})
			}
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// closeChat sends a close frame and waits briefly for the server to answer.
func closeChat(conn *websocket.Conn, done <-chan struct{}) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return nil
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
