package statemanager

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

// InMemoryManager owns the set of channels, re-emits their events on one stream and
// answers queries across all of them.
type InMemoryManager struct {
	channels map[string]*state.Channel
	order    []string
	chanMu   sync.RWMutex

	handlers  []state.EventHandler
	handlerMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		channels: make(map[string]*state.Channel),
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Channel Lifecycle ---

func (m *InMemoryManager) AddChannel(template string, opts state.ChannelOptions) (*state.Channel, error) {
	ch, err := state.NewChannel(m.logger, template, opts)
	if err != nil {
		return nil, err
	}

	// forward before the channel is reachable, so no upgrade can slip past subscribers
	ch.OnEvent(m.forward)

	m.chanMu.Lock()
	if _, exists := m.channels[ch.Name()]; exists {
		m.chanMu.Unlock()
		return nil, state.ErrChannelExists
	}
	m.channels[ch.Name()] = ch
	m.order = append(m.order, ch.Name())
	m.chanMu.Unlock()

	m.logger.Info("Channel added",
		slog.String("channel", ch.Name()),
		slog.String("template", template),
		slog.Bool("gated", ch.Gated()),
	)
	return ch, nil
}

func (m *InMemoryManager) CloseChannel(name string) error {
	m.chanMu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		m.chanMu.Unlock()
		return nil
	}
	delete(m.channels, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.chanMu.Unlock()

	ch.Close()
	m.logger.Info("Channel removed", slog.String("channel", name))
	return nil
}

func (m *InMemoryManager) GetChannel(name string) (*state.Channel, bool) {
	m.chanMu.RLock()
	defer m.chanMu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Channels returns the registered channels in the order they were added.
func (m *InMemoryManager) Channels() []*state.Channel {
	m.chanMu.RLock()
	defer m.chanMu.RUnlock()
	out := make([]*state.Channel, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.channels[name])
	}
	return out
}

func (m *InMemoryManager) Close() {
	for _, ch := range m.Channels() {
		m.CloseChannel(ch.Name())
	}
}

// --- Events ---

func (m *InMemoryManager) Subscribe(handler state.EventHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *InMemoryManager) forward(ev state.Event) {
	m.handlerMu.RLock()
	handlers := slices.Clone(m.handlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// --- Queries ---

func (m *InMemoryManager) reduceChannels(fn func(ch *state.Channel) []*state.Client) []*state.Client {
	clients := make([]*state.Client, 0)
	for _, ch := range m.Channels() {
		clients = append(clients, fn(ch)...)
	}
	return clients
}

func (m *InMemoryManager) GetClients() []*state.Client {
	return m.reduceChannels((*state.Channel).GetClients)
}

func (m *InMemoryManager) GetAuthorizedClients() []*state.Client {
	return m.FilterClients((*state.Client).IsAuthorized)
}

func (m *InMemoryManager) FilterClients(predicate func(*state.Client) bool) []*state.Client {
	return m.reduceChannels(func(ch *state.Channel) []*state.Client {
		return ch.FilterClients(predicate)
	})
}

func (m *InMemoryManager) GetChannelClients(path string, authOnly bool) []*state.Client {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	ch, ok := m.GetChannel(segments[0])
	if !ok {
		return []*state.Client{}
	}
	return ch.FindClients(segments[1:], authOnly)
}

func (m *InMemoryManager) Broadcast(path string, authOnly bool, v any) (int, error) {
	clients := m.GetChannelClients(path, authOnly)
	sent, err := state.Broadcast(m.logger, clients, v)
	if err != nil {
		return 0, err
	}
	m.logger.Debug("Broadcast delivered", slog.String("path", path), slog.Int("sent", sent), slog.Int("targets", len(clients)))
	return sent, nil
}
