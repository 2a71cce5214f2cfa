package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/metrics"
)

// Client is one connection admitted to a Channel. It owns the admission state machine:
//
//	Pending -> Authorized | Rejected -> Closed
//
// Every transition happens under mu and is guarded by the current status, so a
// late verification result or timer firing on a closed client is a no-op.
type Client struct {
	id         uuid.UUID
	socket     Socket
	channel    *Channel
	params     map[string]string
	remoteAddr string
	createdAt  time.Time
	seq        uint64
	logger     *slog.Logger

	mu         sync.Mutex
	status     Status
	credential string
	userID     string
	timer      *time.Timer
	authSeq    uint64 // numbers credential submissions; only the latest may resolve
}

func newClient(ch *Channel, socket Socket, params map[string]string, remoteAddr string, seq uint64) *Client {
	return &Client{
		id:         socket.ID(),
		socket:     socket,
		channel:    ch,
		params:     params,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		seq:        seq,
		logger: ch.logger.With(
			slog.String("connID", socket.ID().String()),
			slog.String("remoteAddr", remoteAddr),
		),
	}
}

func (c *Client) ID() uuid.UUID {
	return c.id
}

// Channel returns the channel the client connected to.
func (c *Client) Channel() *Channel {
	return c.channel
}

func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Client) Param(name string) string {
	return c.params[name]
}

// Params returns a copy of the path parameters the client connected with.
func (c *Client) Params() map[string]string {
	return maps.Clone(c.params)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) IsAuthorized() bool {
	return c.Status() == StatusAuthorized
}

// Credential returns the most recently submitted credential.
func (c *Client) Credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// Send serializes v as JSON and queues it on the transport. Delivery is best effort.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) error {
	if c.Status() == StatusClosed {
		return ErrClientClosed
	}
	if err := c.socket.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", c.id, err)
	}
	return nil
}

// HandleMessage is the transport's message callback. Malformed input closes the client
// and is never delivered to observers.
func (c *Client) HandleMessage(raw []byte) {
	if c.Status() == StatusClosed {
		return
	}
	if !gjson.ValidBytes(raw) {
		metrics.MalformedPayloads.WithLabelValues(c.channel.name).Inc()
		c.logger.Warn("Closing connection after malformed payload", slog.Int("bytes", len(raw)))
		c.Close(ErrMalformedPayload)
		return
	}

	msg := &Message{
		Type: gjson.GetBytes(raw, "type").String(),
		Raw:  json.RawMessage(raw),
	}
	if payload := gjson.GetBytes(raw, "payload"); payload.Exists() {
		msg.Payload = json.RawMessage(payload.Raw)
	}

	if msg.Type == AuthMessageType {
		c.SubmitCredential(gjson.GetBytes(raw, "payload").String())
		return
	}
	c.channel.emit(Event{Type: EventMessage, Client: c, Channel: c.channel, Message: msg})
}

// SubmitCredential records the credential and runs the channel's gate asynchronously.
// The client keeps sending and receiving while the check is outstanding.
func (c *Client) SubmitCredential(credential string) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.credential = credential
	c.authSeq++
	seq := c.authSeq
	c.mu.Unlock()

	gate := c.channel.gate
	if gate == nil {
		gate = auth.NullGate{}
	}
	c.logger.Debug("Credential submitted", slog.Uint64("seq", seq))
	go func() {
		ok := gate.Check(context.Background(), credential, c)
		c.resolveAuth(seq, ok)
	}()
}

// resolveAuth applies a verification result. Results for closed clients and results
// superseded by a newer submission are discarded.
func (c *Client) resolveAuth(seq uint64, ok bool) {
	c.mu.Lock()
	if c.status == StatusClosed || seq != c.authSeq {
		c.mu.Unlock()
		c.logger.Debug("Discarding stale verification result", slog.Uint64("seq", seq))
		return
	}
	if ok {
		c.status = StatusAuthorized
		c.stopTimerLocked()
	} else {
		c.status = StatusRejected
	}
	c.mu.Unlock()

	result := metrics.ResultRejected
	if ok {
		result = metrics.ResultAuthorized
	}
	metrics.AuthResults.WithLabelValues(c.channel.name, result).Inc()
	c.logger.Info("Authentication resolved", slog.Bool("authorized", ok))
	c.channel.emit(Event{Type: EventAuth, Client: c, Channel: c.channel})
}

// startAdmission arms the grace period timer.
func (c *Client) startAdmission(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPending || delay <= 0 {
		return
	}
	c.timer = time.AfterFunc(delay, c.admissionExpired)
}

func (c *Client) admissionExpired() {
	c.mu.Lock()
	if c.status == StatusAuthorized || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.timer = nil
	c.mu.Unlock()

	metrics.AdmissionTimeouts.WithLabelValues(c.channel.name).Inc()
	c.logger.Info("Closing unauthenticated connection", slog.Any("reason", ErrAdmissionTimeout))
	c.teardown(ErrAdmissionTimeout)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// ReportError emits an error event for a live client.
func (c *Client) ReportError(err error) {
	if c.Status() == StatusClosed {
		return
	}
	c.channel.emit(Event{Type: EventError, Client: c, Channel: c.channel, Err: err})
}

// Close closes the client. It is idempotent and safe to call from the transport's
// close callback: only the first call removes the client and emits the close event.
func (c *Client) Close(reason error) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.stopTimerLocked()
	c.mu.Unlock()

	c.teardown(reason)
}

func (c *Client) teardown(reason error) {
	c.socket.Close(reason)
	c.channel.remove(c)
	c.logger.Debug("Client closed", slog.Any("reason", reason))
	c.channel.emit(Event{Type: EventClose, Client: c, Channel: c.channel, Err: reason})
}
