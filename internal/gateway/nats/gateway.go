package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/cloudpad/gameserv/internal/command"
	"github.com/cloudpad/gameserv/pkg/config"
)

// Subject layout. Commands arrive on the command subtree with the command
// name as the final token; confirmations and notifications are per-user.
const (
	commandSubject = "gameserv.cmd.>"
	confirmPrefix  = "gameserv.confirm."
	notifyPrefix   = "gameserv.notify."
)

// dispatchTimeout bounds a single command end to end, including operation
// polling on the compute backend.
const dispatchTimeout = 10 * time.Minute

// Connect dials the broker with reconnect-forever semantics.
func Connect(cfg config.BotConfig, logger *slog.Logger) (*nats.Conn, error) {
	return nats.Connect(cfg.NATSAddr,
		nats.Name(cfg.NATSName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Gateway bridges the chat platform's message bus to the command dispatcher.
type Gateway struct {
	conn           *nats.Conn
	dispatcher     *command.Dispatcher
	logger         *slog.Logger
	confirmTimeout time.Duration
	queue          string
	sub            *nats.Subscription
}

// New returns a gateway on an established connection.
func New(conn *nats.Conn, dispatcher *command.Dispatcher, logger *slog.Logger, cfg config.BotConfig) *Gateway {
	return &Gateway{
		conn:           conn,
		dispatcher:     dispatcher,
		logger:         logger.With("component", "gateway"),
		confirmTimeout: cfg.ConfirmTimeout,
		queue:          cfg.CommandQueue,
	}
}

// Start subscribes the worker queue to the command subtree. Queue semantics
// give exactly one bot replica per command.
func (g *Gateway) Start() error {
	sub, err := g.conn.QueueSubscribe(commandSubject, g.queue, g.handle)
	if err != nil {
		return err
	}
	g.sub = sub
	g.logger.Info("command subscription active", "subject", commandSubject, "queue", g.queue)
	return nil
}

func (g *Gateway) handle(msg *nats.Msg) {
	var req command.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.logger.Warn("undecodable command message", "subject", msg.Subject, "error", err)
		g.respond(msg, command.Response{OK: false, Message: "malformed command payload"})
		return
	}
	if req.Command == "" {
		// fall back to the final subject token
		parts := strings.Split(msg.Subject, ".")
		req.Command = parts[len(parts)-1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	resp := g.dispatcher.Dispatch(ctx, req)
	g.respond(msg, resp)
}

func (g *Gateway) respond(msg *nats.Msg, resp command.Response) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("response encode failed", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		g.logger.Warn("response publish failed", "error", err)
	}
}

// Confirm asks the user to approve a destructive action over their personal
// confirmation subject. No reply within the window counts as a timeout, not
// an error.
func (g *Gateway) Confirm(ctx context.Context, userID, prompt string) (command.Outcome, error) {
	timeout := g.confirmTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	msg, err := g.conn.Request(confirmPrefix+userID, []byte(prompt), timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return command.OutcomeTimedOut, nil
		}
		return command.OutcomeTimedOut, err
	}
	if strings.EqualFold(strings.TrimSpace(string(msg.Data)), "confirm") {
		return command.OutcomeConfirmed, nil
	}
	return command.OutcomeCancelled, nil
}

// NotifyOwner publishes an out-of-band message to a user's notification
// subject.
func (g *Gateway) NotifyOwner(_ context.Context, userID, message string) error {
	return g.conn.Publish(notifyPrefix+userID, []byte(message))
}

// Close drains the subscription and the connection.
func (g *Gateway) Close() {
	if g.sub != nil {
		if err := g.sub.Drain(); err != nil {
			g.logger.Warn("subscription drain failed", "error", err)
		}
	}
	if err := g.conn.Drain(); err != nil {
		g.logger.Warn("connection drain failed", "error", err)
	}
}
