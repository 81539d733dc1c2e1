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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	testStateID = "0f869a64-0200-0a9b-ffff-d4efb7498d0d"
)

func clientTestStructure(generation int) string {
	return fmt.Sprintf(`{
		"softwareVersion": "14.5.12.7",
		"msInfo": {"serialNr": "TEST", "msName": "home", "miniserverType": %d},
		"rooms": {"r1": {"name": "Kitchen"}},
		"cats": {"c1": {"name": "Lighting", "type": "lights"}},
		"controls": {
			"ctrl-1": {
				"name": "Kitchen Light", "type": "Switch", "room": "r1", "cat": "c1",
				"states": {"active": %q}
			}
		}
	}`, generation, testStateID)
}

// mockMiniserver speaks enough of the protocol for a full session: hash
// auth, structure download with an estimated header, subscription, and
// one VALUE event.
type mockMiniserver struct {
	t          *testing.T
	structure  string
	eventValue float64
}

func (m *mockMiniserver) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reply := func(body string) {
		_ = conn.WriteMessage(websocket.BinaryMessage,
			EncodeHeader(Header{MsgType: MsgText, Length: uint32(len(body))}))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(body))
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd := string(data)
		switch {
		case cmd == "jdev/sys/getPublicKey":
			reply(errCode("401"))
		case cmd == "jdev/sys/getkey":
			reply(okString(hex.EncodeToString([]byte("legacy-key"))))
		case strings.HasPrefix(cmd, "authenticate/"):
			reply(okString("authenticated"))
		case cmd == structureCommand:
			// Estimated header, corrected header, then the payload.
			_ = conn.WriteMessage(websocket.BinaryMessage,
				EncodeHeader(Header{MsgType: MsgFile, Length: uint32(len(m.structure) + 100), Estimated: true}))
			_ = conn.WriteMessage(websocket.BinaryMessage,
				EncodeHeader(Header{MsgType: MsgFile, Length: uint32(len(m.structure))}))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m.structure))
		case cmd == subscribeCommand:
			reply(okString("1"))
			wire, err := uuidToWire(testStateID)
			require.NoError(m.t, err)
			payload := make([]byte, valueEntrySize)
			copy(payload, wire)
			binary.LittleEndian.PutUint64(payload[16:], math.Float64bits(m.eventValue))
			_ = conn.WriteMessage(websocket.BinaryMessage,
				EncodeHeader(Header{MsgType: MsgValueStates, Length: uint32(len(payload))}))
			_ = conn.WriteMessage(websocket.BinaryMessage, payload)
		case cmd == keepaliveCommand:
			_ = conn.WriteMessage(websocket.BinaryMessage,
				EncodeHeader(Header{MsgType: MsgKeepalive}))
		}
	}
}

func startMock(t *testing.T, m *mockMiniserver) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, m.serveWS)
	mux.HandleFunc("/jdev/sys/getPublicKey", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errCode("401"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestClientSession(t *testing.T) {
	mock := &mockMiniserver{t: t, structure: clientTestStructure(1), eventValue: 1}
	host, port := startMock(t, mock)

	mirror := NewMirror("home")
	client := NewClient(log.NewNopLogger(), ClientConfig{
		Name: "home", Host: host, Port: port, SSLPort: 443,
		Username: "admin", Password: "secret",
	}, mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		var ok bool
		mirror.Read(func(v MirrorView) {
			ctrl := v.Controls["ctrl-1"]
			ok = v.Connected && ctrl != nil &&
				ctrl.States["active"].Value != nil && *ctrl.States["active"].Value == 1
		})
		return ok
	}, 5*time.Second, 20*time.Millisecond, "value event never reached the mirror")

	mirror.Read(func(v MirrorView) {
		require.Equal(t, "TEST", v.Serial)
		require.Equal(t, "14.5.12.7", v.Firmware)
		require.False(t, v.LastUpdate.IsZero())
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop on cancellation")
	}
	mirror.Read(func(v MirrorView) { require.False(t, v.Connected) })
}

func TestClientGen2UpgradesToTLS(t *testing.T) {
	mock := &mockMiniserver{t: t, structure: clientTestStructure(2), eventValue: 1}
	host, port := startMock(t, mock)

	mirror := NewMirror("home")
	client := NewClient(log.NewNopLogger(), ClientConfig{
		Name: "home", Host: host, Port: port, SSLPort: 443,
		Username: "admin", Password: "secret",
	}, mirror)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.session(ctx, func() {})
	require.True(t, errors.Is(err, errUpgradeTLS))
	require.True(t, client.useTLS)

	// The plaintext structure must not be published.
	mirror.Read(func(v MirrorView) { require.Empty(t, v.Controls) })
}

func TestClientSessionDialFailure(t *testing.T) {
	mirror := NewMirror("unreachable")
	client := NewClient(log.NewNopLogger(), ClientConfig{
		Name: "unreachable", Host: "127.0.0.1", Port: 1, SSLPort: 443,
		Username: "admin", Password: "secret",
	}, mirror)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, client.session(ctx, func() {}))
	mirror.Read(func(v MirrorView) { require.False(t, v.Connected) })
}

func TestForceEncryptionDialsTLSFirst(t *testing.T) {
	client := NewClient(log.NewNopLogger(), ClientConfig{
		Name: "home", Host: "example.net", Port: 80, SSLPort: 443,
		Username: "admin", Password: "secret", ForceEncryption: true,
	}, NewMirror("home"))
	require.Equal(t, "wss://example.net:443"+wsPath, client.endpoint())
}
