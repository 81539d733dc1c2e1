// Copyright 2025 The loxone-exporter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loxone

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	wsPath            = "/ws/rfc6455"
	structureCommand  = "data/LoxAPP3.json"
	subscribeCommand  = "jdev/sps/enablebinstatusupdate"
	keepaliveCommand  = "keepalive"
	keepaliveInterval = 30 * time.Second
	// readTimeout bounds silence on the socket. The controller answers
	// keepalives within one interval, so two missed rounds mean the
	// connection is dead regardless of what TCP thinks.
	readTimeout = 60 * time.Second

	backoffBase = time.Second
	backoffMax  = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// errOutOfService is raised when the controller announces a reboot or
// maintenance window. The session reconnects with backoff.
var errOutOfService = errors.New("miniserver reported out-of-service")

// errUpgradeTLS aborts a plaintext session so the next attempt dials wss.
var errUpgradeTLS = errors.New("switching to encrypted transport")

// ClientConfig carries the per-Miniserver connection settings.
type ClientConfig struct {
	Name            string
	Host            string
	Port            int
	SSLPort         int
	Username        string
	Password        string
	ForceEncryption bool
}

// Client maintains one Miniserver session: connect, authenticate, load
// the structure file, subscribe to binary status updates, and mirror the
// event stream until the connection dies. It is the single writer of its
// Mirror.
type Client struct {
	logger log.Logger
	cfg    ClientConfig
	mirror *Mirror
	auth   *authenticator

	// useTLS is flipped permanently once a Gen2 controller is detected
	// over plaintext or force_encryption is set.
	useTLS bool
}

// NewClient returns a session runner bound to the given mirror.
func NewClient(logger log.Logger, cfg ClientConfig, mirror *Mirror) *Client {
	return &Client{
		logger: log.With(logger, "miniserver", cfg.Name),
		cfg:    cfg,
		mirror: mirror,
		auth:   newAuthenticator(logger, cfg.Username, cfg.Password, cfg.Host, cfg.Port),
		useTLS: cfg.ForceEncryption,
	}
}

// Run supervises the session until ctx is canceled. Every failure path
// clears the connected flag and sleeps an escalating backoff, reset to
// the base once a session reaches its receive loop.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffBase
	for {
		err := c.session(ctx, func() { backoff = backoffBase })
		c.mirror.SetConnected(false)
		if ctx.Err() != nil {
			_ = level.Info(c.logger).Log("msg", "session runner stopped")
			return nil
		}
		if errors.Is(err, errUpgradeTLS) {
			_ = level.Info(c.logger).Log("msg", "reconnecting with encryption", "ssl_port", c.cfg.SSLPort)
			continue
		}
		_ = level.Warn(c.logger).Log("msg", "session ended, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) endpoint() string {
	if c.useTLS {
		return fmt.Sprintf("wss://%s:%d%s", c.cfg.Host, c.cfg.SSLPort, wsPath)
	}
	return fmt.Sprintf("ws://%s:%d%s", c.cfg.Host, c.cfg.Port, wsPath)
}

// session runs one full connection cycle and returns why it ended.
func (c *Client) session(ctx context.Context, onConnected func()) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		// Gen2 controllers present a vendor-issued certificate that does
		// not chain to the system roots.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	url := c.endpoint()
	_ = level.Debug(c.logger).Log("msg", "connecting", "url", url)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	// Unblock reads when the supervisor cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := c.auth.authenticate(conn); err != nil {
		return err
	}

	structure, err := c.fetchStructure(conn)
	if err != nil {
		return err
	}
	if structure.Generation == 2 && !c.useTLS && c.cfg.SSLPort > 0 {
		c.useTLS = true
		return errUpgradeTLS
	}
	c.mirror.ReplaceStructure(structure)
	_ = level.Info(c.logger).Log("msg", "structure loaded",
		"controls", len(structure.Controls), "serial", structure.Serial, "firmware", structure.Firmware)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribeCommand)); err != nil {
		return errors.Wrap(err, "subscribe to status updates")
	}

	c.mirror.SetConnected(true)
	onConnected()

	go c.keepalive(conn, done)

	return c.receive(conn)
}

// fetchStructure requests LoxAPP3.json and returns the parsed model.
// The controller announces the transfer with one or more header frames
// (an estimated header for large files, then the exact one) before the
// JSON payload.
func (c *Client) fetchStructure(conn wsConn) (*Structure, error) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(structureCommand)); err != nil {
		return nil, errors.Wrap(err, "request structure file")
	}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "await structure file")
		}
		if msgType == websocket.BinaryMessage && len(data) == HeaderSize {
			if _, err := ParseHeader(data); err == nil {
				continue
			}
		}
		return ParseStructure(data)
	}
}

// keepalive sends the keepalive text command every 30 s until the
// session ends. The controller's header-only reply is consumed by the
// receive loop.
func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(keepaliveCommand)); err != nil {
				_ = level.Debug(c.logger).Log("msg", "keepalive send failed", "err", err)
				return
			}
		}
	}
}

// receive runs the event loop: header frame, then payload frame of the
// declared length, dispatched by message type. Any read error, protocol
// violation or out-of-service announcement ends the session.
func (c *Client) receive(conn *websocket.Conn) error {
	var pending *Header
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return errors.Wrap(err, "arm read deadline")
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		if msgType == websocket.TextMessage {
			// Command replies (subscribe ack, keepalive echoes) arrive as
			// text after their announcing header.
			pending = nil
			_ = level.Debug(c.logger).Log("msg", "text frame", "body", string(data))
			continue
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if pending == nil {
			header, err := ParseHeader(data)
			if err != nil {
				return errors.Wrap(err, "decode message header")
			}
			if header.Estimated {
				// A corrected header follows before the payload.
				continue
			}
			if header.MsgType == MsgOutOfService {
				return errOutOfService
			}
			if header.Length == 0 {
				continue
			}
			pending = &header
			continue
		}

		header := *pending
		pending = nil
		c.dispatch(header, data)
	}
}

func (c *Client) dispatch(header Header, payload []byte) {
	switch header.MsgType {
	case MsgValueStates:
		events := ParseValueStates(payload)
		applied, unknown := c.mirror.ApplyValues(events, time.Now())
		if unknown > 0 {
			_ = level.Debug(c.logger).Log("msg", "value events for unknown states", "count", unknown)
		}
		_ = level.Debug(c.logger).Log("msg", "value batch applied", "applied", applied)
	case MsgTextStates:
		events := ParseTextStates(payload)
		applied := c.mirror.ApplyTexts(events)
		_ = level.Debug(c.logger).Log("msg", "text batch applied", "applied", applied)
	default:
		_ = level.Debug(c.logger).Log("msg", "ignoring payload", "type", header.MsgType, "len", len(payload))
	}
}
