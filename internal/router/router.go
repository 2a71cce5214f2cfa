package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

// ErrClaimMismatch closes a client whose token claims disagree with its path parameters.
var ErrClaimMismatch = errors.New("token claim does not match path parameter")

// Rule describes what happens to a client of a channel once it authenticates.
type Rule struct {
	// UserClaim is copied into the client's user id.
	UserClaim string
	// BindClaims maps a path parameter to the claim that must carry the same value.
	BindClaims map[string]string
}

// EventRouter reacts to registry events on behalf of the application: it binds
// authenticated clients to the identity inside their token and logs client counts.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager

	rules   map[string]Rule
	rulesMu sync.RWMutex
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		rules:        make(map[string]Rule),
	}
}

func (r *EventRouter) Bind(channel string, rule Rule) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	r.rules[channel] = rule
}

func (r *EventRouter) Unbind(channel string) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	delete(r.rules, channel)
}

func (r *EventRouter) rule(channel string) (Rule, bool) {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	rule, ok := r.rules[channel]
	return rule, ok
}

// HandleEvent is subscribed to the registry's event stream.
func (r *EventRouter) HandleEvent(ev state.Event) {
	switch ev.Type {
	case state.EventAuth:
		if ev.Client.IsAuthorized() {
			if err := r.bindIdentity(ev.Client); err != nil {
				r.logger.Warn("Closing client after identity check",
					slog.String("connID", ev.Client.ID().String()),
					slog.String("channel", ev.Channel.Name()),
					slog.Any("error", err),
				)
				ev.Client.Close(err)
				return
			}
		}
		r.logCounts(ev)
	case state.EventConnection, state.EventClose:
		r.logCounts(ev)
	case state.EventError:
		r.logger.Warn("Client transport error",
			slog.String("connID", ev.Client.ID().String()),
			slog.String("channel", ev.Channel.Name()),
			slog.Any("error", ev.Err),
		)
	}
}

func (r *EventRouter) bindIdentity(c *state.Client) error {
	rule, ok := r.rule(c.Channel().Name())
	if !ok || (rule.UserClaim == "" && len(rule.BindClaims) == 0) {
		return nil
	}
	// the gate already decoded this credential once; a failure here means it was replaced
	claims, err := auth.DecodeCredential(c.Credential())
	if err != nil {
		return err
	}

	for param, claim := range rule.BindClaims {
		value := claimString(claims[claim])
		if value == "" || value != c.Param(param) {
			return fmt.Errorf("%w: %s=%q, claim %s=%q", ErrClaimMismatch, param, c.Param(param), claim, value)
		}
	}
	if rule.UserClaim != "" {
		if id := claimString(claims[rule.UserClaim]); id != "" {
			c.SetUserID(id)
		}
	}
	return nil
}

// claimString renders a claim value; numeric ids decode as float64.
func claimString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (r *EventRouter) logCounts(ev state.Event) {
	if !r.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	name := ev.Channel.Name()
	r.logger.Debug("Client counts",
		slog.String("event", string(ev.Type)),
		slog.Int("connected", len(r.stateManager.GetClients())),
		slog.Int("authorized", len(r.stateManager.GetAuthorizedClients())),
		slog.String("channel", name),
		slog.Int("channel_connected", len(r.stateManager.GetChannelClients(name, false))),
		slog.Int("channel_authorized", len(r.stateManager.GetChannelClients(name, true))),
	)
}
