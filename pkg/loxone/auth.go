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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Client identity presented during token requests. Permission 2 requests
// short-lived web access.
const (
	clientUUID     = "edfc5f9a-df3f-4cad-9dffac30c150c33e"
	clientName     = "loxone-exporter"
	permissionWeb  = 2
	pubkeyHTTPWait = 10 * time.Second
)

// AuthFailedError reports a failed authentication handshake. The session
// runner treats it as a retry-with-backoff outcome, never a fatal exit.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string { return "authentication failed: " + e.Reason }

func authFailed(format string, args ...any) error {
	return &AuthFailedError{Reason: fmt.Sprintf(format, args...)}
}

// IsAuthFailed reports whether err is an authentication failure.
func IsAuthFailed(err error) bool {
	var af *AuthFailedError
	return errors.As(err, &af)
}

// wsConn is the subset of *websocket.Conn the handshake and session code
// use; tests substitute scripted fakes.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
}

// authenticator runs the Miniserver authentication sequence on an open
// WebSocket connection. Token-based auth is attempted first, optionally
// re-fetching the RSA public key over HTTP, with the legacy hash scheme
// as the final fallback.
type authenticator struct {
	logger   log.Logger
	username string
	password string
	// Host and port of the controller's HTTP surface, used only for the
	// public-key fallback fetch. Empty host disables the fallback.
	host       string
	port       int
	httpClient *http.Client
}

func newAuthenticator(logger log.Logger, username, password, host string, port int) *authenticator {
	return &authenticator{
		logger:     logger,
		username:   username,
		password:   password,
		host:       host,
		port:       port,
		httpClient: &http.Client{Timeout: pubkeyHTTPWait},
	}
}

// authenticate runs the full strategy ladder and returns nil once the
// session is authenticated.
func (a *authenticator) authenticate(conn wsConn) error {
	err := a.tokenAuth(conn, "")
	if err == nil {
		return nil
	}
	_ = level.Debug(a.logger).Log("msg", "token auth with in-band key failed", "err", err)

	if a.host != "" {
		pem, httpErr := a.fetchPublicKeyHTTP()
		if httpErr == nil {
			_ = level.Info(a.logger).Log("msg", "fetched RSA public key via HTTP, retrying token auth")
			if err = a.tokenAuth(conn, pem); err == nil {
				return nil
			}
			_ = level.Debug(a.logger).Log("msg", "token auth with HTTP key failed", "err", err)
		} else {
			_ = level.Debug(a.logger).Log("msg", "HTTP public key fetch failed", "err", httpErr)
		}
	}

	if err := a.hashAuth(conn); err != nil {
		if IsAuthFailed(err) {
			return err
		}
		return authFailed("%s", err)
	}
	return nil
}

// tokenAuth performs the token-based handshake. When publicKeyPEM is
// empty the key is requested over the socket first.
func (a *authenticator) tokenAuth(conn wsConn, publicKeyPEM string) error {
	if publicKeyPEM == "" {
		resp, err := command(conn, "jdev/sys/getPublicKey")
		if err != nil {
			return err
		}
		if !resp.success() {
			return authFailed("getPublicKey returned code %s", resp.code())
		}
		publicKeyPEM = strings.TrimSpace(resp.valueString())
	}

	pubKey, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return authFailed("parse RSA public key: %s", err)
	}

	aesKey := make([]byte, 32)
	aesIV := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return errors.Wrap(err, "generate AES key")
	}
	if _, err := rand.Read(aesIV); err != nil {
		return errors.Wrap(err, "generate AES IV")
	}

	sessionKey := fmt.Sprintf("%s:%s", hex.EncodeToString(aesKey), hex.EncodeToString(aesIV))
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pubKey, []byte(sessionKey))
	if err != nil {
		return errors.Wrap(err, "RSA-encrypt session key")
	}
	resp, err := command(conn, "jdev/sys/keyexchange/"+base64.StdEncoding.EncodeToString(encrypted))
	if err != nil {
		return err
	}
	if !resp.success() {
		return authFailed("key exchange returned code %s", resp.code())
	}

	resp, err = command(conn, "jdev/sys/getkey2/"+a.username)
	if err != nil {
		return err
	}
	if !resp.success() {
		return authFailed("getkey2 for user %q returned code %s", a.username, resp.code())
	}
	keyHex := resp.valueField("key")
	userSalt := resp.valueField("salt")
	hashAlg := strings.ToUpper(resp.valueField("hashAlg"))
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return authFailed("getkey2 returned invalid key material: %s", err)
	}

	credential := credentialHash(a.username, a.password, userSalt, keyBytes, hashAlg)

	encSalt := make([]byte, 16)
	if _, err := rand.Read(encSalt); err != nil {
		return errors.Wrap(err, "generate command salt")
	}
	saltHex := hex.EncodeToString(encSalt)

	for _, verb := range []string{"getjwt", "gettoken"} {
		tokenCmd := fmt.Sprintf("jdev/sys/%s/%s/%s/%d/%s/%s",
			verb, credential, a.username, permissionWeb, clientUUID, clientName)
		enc, err := encryptCommand(tokenCmd, aesKey, aesIV, saltHex)
		if err != nil {
			return err
		}
		resp, err = command(conn, "jdev/sys/enc/"+enc)
		if err != nil {
			return err
		}
		if resp.success() {
			_ = level.Info(a.logger).Log("msg", "token-based auth successful", "verb", verb)
			return nil
		}
		_ = level.Debug(a.logger).Log("msg", "token request rejected", "verb", verb, "code", resp.code())
	}
	return authFailed("token authentication failed with code %s", resp.code())
}

// hashAuth performs the legacy HMAC-SHA1 handshake used by firmware 8.x.
func (a *authenticator) hashAuth(conn wsConn) error {
	resp, err := command(conn, "jdev/sys/getkey")
	if err != nil {
		return err
	}
	if !resp.success() {
		return authFailed("getkey returned code %s", resp.code())
	}
	keyBytes, err := hex.DecodeString(resp.valueString())
	if err != nil {
		return authFailed("getkey returned invalid key material: %s", err)
	}

	mac := hmac.New(sha1.New, keyBytes)
	mac.Write([]byte(a.username + ":" + a.password))
	resp, err = command(conn, "authenticate/"+hex.EncodeToString(mac.Sum(nil)))
	if err != nil {
		return err
	}
	if !resp.success() {
		return authFailed("hash authentication returned code %s", resp.code())
	}
	_ = level.Info(a.logger).Log("msg", "hash-based auth successful")
	return nil
}

// fetchPublicKeyHTTP retrieves the RSA public key over the controller's
// HTTP surface with Basic auth. Modern firmware refuses to emit the key
// over the socket.
func (a *authenticator) fetchPublicKeyHTTP() (string, error) {
	u := fmt.Sprintf("http://%s/jdev/sys/getPublicKey", hostPort(a.host, a.port))
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "build public key request")
	}
	req.SetBasicAuth(a.username, a.password)

	res, err := a.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch public key")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read public key response")
	}
	resp := parseResponse(body)
	if !resp.success() {
		return "", authFailed("HTTP getPublicKey returned code %s", resp.code())
	}
	return strings.TrimSpace(resp.valueString()), nil
}

// command sends a text command and returns the parsed JSON envelope of
// the paired response, transparently consuming the binary header frame
// the controller emits before every text reply.
func command(conn wsConn, cmd string) (llResponse, error) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return llResponse{}, errors.Wrapf(err, "send %q", commandName(cmd))
	}
	payload, err := recvText(conn)
	if err != nil {
		return llResponse{}, errors.Wrapf(err, "await reply to %q", commandName(cmd))
	}
	return parseResponse(payload), nil
}

// recvText reads frames until a text frame arrives, skipping the binary
// header frames that precede every command reply.
func recvText(conn wsConn) ([]byte, error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// commandName strips any argument from a command for error messages so
// that hashes and cipher blobs never reach the log path.
func commandName(cmd string) string {
	for _, prefix := range []string{"jdev/sys/enc/", "jdev/sys/keyexchange/", "authenticate/"} {
		if strings.HasPrefix(cmd, prefix) {
			return strings.TrimSuffix(prefix, "/")
		}
	}
	if i := strings.LastIndexByte(cmd, '/'); i > 0 && strings.HasPrefix(cmd, "jdev/sys/") {
		return cmd[:i]
	}
	return cmd
}

// llResponse is the decoded {"LL": {...}} envelope every command returns.
type llResponse struct {
	fields map[string]any
}

func parseResponse(data []byte) llResponse {
	var outer map[string]any
	if err := json.Unmarshal(data, &outer); err != nil {
		return llResponse{}
	}
	if ll, ok := outer["LL"].(map[string]any); ok {
		return llResponse{fields: ll}
	}
	return llResponse{fields: outer}
}

// code returns the response code. The controller uses "Code" or "code"
// depending on the command.
func (r llResponse) code() string {
	for _, key := range []string{"Code", "code"} {
		if v, ok := r.fields[key]; ok {
			switch c := v.(type) {
			case string:
				return c
			case float64:
				return fmt.Sprintf("%.0f", c)
			}
		}
	}
	return ""
}

func (r llResponse) success() bool {
	return strings.HasPrefix(r.code(), "2")
}

func (r llResponse) valueString() string {
	if s, ok := r.fields["value"].(string); ok {
		return s
	}
	return ""
}

// valueField returns a string field from an object-valued response.
func (r llResponse) valueField(key string) string {
	obj, ok := r.fields["value"].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

// credentialHash derives the HMAC credential sent in token requests:
// pwd_hash = uppercase_hex(H(password + ":" + salt)), then
// hex(HMAC_H(key, username + ":" + pwd_hash)). H defaults to SHA256.
func credentialHash(username, password, userSalt string, key []byte, hashAlg string) string {
	var newHash func() hash.Hash
	if hashAlg == "SHA1" {
		newHash = sha1.New
	} else {
		newHash = sha256.New
	}

	h := newHash()
	h.Write([]byte(password + ":" + userSalt))
	pwdHash := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))

	mac := hmac.New(newHash, key)
	mac.Write([]byte(username + ":" + pwdHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// parsePublicKey decodes the controller's PEM public key. The controller
// sometimes wraps the key with CERTIFICATE markers; those are normalized
// to PUBLIC KEY markers before parsing.
func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	normalized := normalizePublicKey(raw)
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse PKIX public key")
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unexpected key type %T", key)
	}
	return rsaKey, nil
}

func normalizePublicKey(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "-----BEGIN CERTIFICATE-----", "-----BEGIN PUBLIC KEY-----\n")
	s = strings.ReplaceAll(s, "-----END CERTIFICATE-----", "\n-----END PUBLIC KEY-----\n")
	if !strings.HasPrefix(s, "-----BEGIN") {
		s = "-----BEGIN PUBLIC KEY-----\n" + s + "\n-----END PUBLIC KEY-----"
	}
	return s
}

// encryptCommand wraps a command in the encrypted envelope expected by
// jdev/sys/enc/: salt/<hex>/<cmd>\x00, PKCS#7-padded, AES-256-CBC under
// the session key, base64, then percent-encoded. The percent-encoding is
// required because "/" and "+" in base64 would otherwise be read as path
// separators.
func encryptCommand(cmd string, key, iv []byte, saltHex string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "init AES cipher")
	}
	plaintext := pkcs7Pad([]byte(fmt.Sprintf("salt/%s/%s\x00", saltHex, cmd)), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return url.QueryEscape(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
