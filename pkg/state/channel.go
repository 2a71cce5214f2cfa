package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/metrics"
)

type ChannelOptions struct {
	// Gate checks submitted credentials. Nil or auth.NullGate admits clients as authorized.
	Gate auth.Gate
	// AuthDelay is the grace period a gated client has to authenticate. Zero disables it.
	AuthDelay time.Duration
}

// Channel is a named group of clients sharing a path template and an auth policy.
type Channel struct {
	name       string
	template   string
	paramNames []string
	gate       auth.Gate
	authDelay  time.Duration
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	closed  bool
	nextSeq atomic.Uint64

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// ParseTemplate splits a template like "/systems/:system_name" into the channel
// name and its ordered parameter names.
func ParseTemplate(template string) (name string, params []string, err error) {
	parts := strings.Split(template, "/:")
	name = strings.Trim(parts[0], "/")
	if name == "" || strings.Contains(name, "/") {
		return "", nil, fmt.Errorf("%w: '%s' must start with a single name segment", ErrInvalidTemplate, template)
	}
	for _, p := range parts[1:] {
		p = strings.Trim(p, "/")
		if p == "" || strings.Contains(p, "/") {
			return "", nil, fmt.Errorf("%w: bad parameter in '%s'", ErrInvalidTemplate, template)
		}
		if slices.Contains(params, p) {
			return "", nil, fmt.Errorf("%w: duplicate parameter '%s'", ErrInvalidTemplate, p)
		}
		params = append(params, p)
	}
	return name, params, nil
}

func NewChannel(logger *slog.Logger, template string, opts ChannelOptions) (*Channel, error) {
	name, params, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}
	return &Channel{
		name:       name,
		template:   template,
		paramNames: params,
		gate:       opts.Gate,
		authDelay:  opts.AuthDelay,
		clients:    make(map[uuid.UUID]*Client),
		logger:     logger.With(slog.String("channel", name)),
	}, nil
}

func (ch *Channel) Name() string {
	return ch.name
}

func (ch *Channel) Template() string {
	return ch.template
}

func (ch *Channel) ParamNames() []string {
	return slices.Clone(ch.paramNames)
}

// Gated reports whether clients must authenticate before they count as authorized.
func (ch *Channel) Gated() bool {
	return !auth.IsNull(ch.gate)
}

// MatchPath maps the path segments after the channel name onto the parameter names.
// Every parameter must be present and non-empty.
func (ch *Channel) MatchPath(segments []string) (map[string]string, bool) {
	if len(segments) != len(ch.paramNames) {
		return nil, false
	}
	params := make(map[string]string, len(segments))
	for i, name := range ch.paramNames {
		if segments[i] == "" {
			return nil, false
		}
		params[name] = segments[i]
	}
	return params, true
}

// OnEvent registers a handler for this channel's lifecycle events. Handlers run
// synchronously on the goroutine that caused the event.
func (ch *Channel) OnEvent(handler EventHandler) {
	ch.handlerMu.Lock()
	defer ch.handlerMu.Unlock()
	ch.handlers = append(ch.handlers, handler)
}

func (ch *Channel) emit(ev Event) {
	ch.handlerMu.RLock()
	handlers := slices.Clone(ch.handlers)
	ch.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Accept registers a new client for socket, arms its admission timer and emits the
// connection event. params must carry exactly the channel's parameter names.
func (ch *Channel) Accept(socket Socket, params map[string]string, remoteAddr string) (*Client, error) {
	if len(params) != len(ch.paramNames) {
		return nil, ErrParamMismatch
	}
	for _, name := range ch.paramNames {
		if _, ok := params[name]; !ok {
			return nil, fmt.Errorf("%w: missing '%s'", ErrParamMismatch, name)
		}
	}

	client := newClient(ch, socket, params, remoteAddr, ch.nextSeq.Add(1))
	if ch.Gated() {
		client.status = StatusPending
	} else {
		client.status = StatusAuthorized
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, exists := ch.clients[client.id]; exists {
		ch.mu.Unlock()
		return nil, fmt.Errorf("client %s is already registered", client.id)
	}
	ch.clients[client.id] = client
	total := len(ch.clients)
	ch.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(ch.name).Inc()
	if ch.Gated() {
		client.startAdmission(ch.authDelay)
	}
	ch.logger.Debug("Client registered",
		slog.String("connID", client.id.String()),
		slog.Any("params", params),
		slog.Int("total", total),
	)
	ch.emit(Event{Type: EventConnection, Client: client, Channel: ch})
	return client, nil
}

func (ch *Channel) remove(c *Client) {
	ch.mu.Lock()
	_, ok := ch.clients[c.id]
	delete(ch.clients, c.id)
	ch.mu.Unlock()
	if ok {
		metrics.ActiveConnections.WithLabelValues(ch.name).Dec()
	}
}

// GetClients returns a snapshot of the channel's clients in connection order.
func (ch *Channel) GetClients() []*Client {
	ch.mu.RLock()
	clients := make([]*Client, 0, len(ch.clients))
	for _, c := range ch.clients {
		clients = append(clients, c)
	}
	ch.mu.RUnlock()

	slices.SortFunc(clients, func(a, b *Client) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return clients
}

// FilterClients returns the clients matching predicate; never nil.
func (ch *Channel) FilterClients(predicate func(*Client) bool) []*Client {
	out := make([]*Client, 0)
	for _, c := range ch.GetClients() {
		if predicate(c) {
			out = append(out, c)
		}
	}
	return out
}

func (ch *Channel) GetAuthorizedClients() []*Client {
	return ch.FilterClients((*Client).IsAuthorized)
}

// FindClients returns the clients whose parameters equal values positionally.
// An empty value, or a position past the end of values, matches anything.
func (ch *Channel) FindClients(values []string, authOnly bool) []*Client {
	return ch.FilterClients(func(c *Client) bool {
		for i, name := range ch.paramNames {
			if i >= len(values) || values[i] == "" {
				continue
			}
			if c.params[name] != values[i] {
				return false
			}
		}
		return !authOnly || c.IsAuthorized()
	})
}

// Close closes every client and refuses new ones. The owning registry removes the channel.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()

	for _, c := range ch.GetClients() {
		c.Close(ErrChannelClosed)
	}
	ch.logger.Info("Channel closed")
}

// Broadcast serializes v once and sends it to every client. Per-client failures are
// logged and skipped; the number of successful sends is returned.
func Broadcast(logger *slog.Logger, clients []*Client, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	sent := 0
	for _, c := range clients {
		if err := c.sendRaw(data); err != nil {
			logger.Warn("Broadcast send failed", slog.String("connID", c.id.String()), slog.Any("error", err))
			continue
		}
		sent++
	}
	return sent, nil
}

// Broadcast sends v to the channel clients matching values, as FindClients does.
func (ch *Channel) Broadcast(values []string, authOnly bool, v any) (int, error) {
	return Broadcast(ch.logger, ch.FindClients(values, authOnly), v)
}
