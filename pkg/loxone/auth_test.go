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
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type frame struct {
	msgType int
	data    []byte
}

// scriptedConn plays the Miniserver side of the handshake. Every reply
// is preceded by the binary header frame the controller emits for text
// responses.
type scriptedConn struct {
	respond func(cmd string) string
	pending []frame
}

func (c *scriptedConn) WriteMessage(msgType int, data []byte) error {
	reply := c.respond(string(data))
	c.pending = append(c.pending,
		frame{websocket.BinaryMessage, EncodeHeader(Header{MsgType: MsgText, Length: uint32(len(reply))})},
		frame{websocket.TextMessage, []byte(reply)},
	)
	return nil
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if len(c.pending) == 0 {
		return 0, nil, io.EOF
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f.msgType, f.data, nil
}

func okString(value string) string {
	return fmt.Sprintf(`{"LL":{"Code":"200","value":%q}}`, value)
}

func errCode(code string) string {
	return fmt.Sprintf(`{"LL":{"Code":%q,"value":""}}`, code)
}

// fakeMiniserver implements the token handshake server side.
type fakeMiniserver struct {
	t       *testing.T
	priv    *rsa.PrivateKey
	user    string
	pass    string
	salt    string
	hashKey []byte

	aesKey []byte
	aesIV  []byte

	tokenGranted bool
}

func newFakeMiniserver(t *testing.T) *fakeMiniserver {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &fakeMiniserver{
		t:       t,
		priv:    priv,
		user:    "admin",
		pass:    "secret",
		salt:    "abcd1234",
		hashKey: []byte("server-key-material"),
	}
}

func (f *fakeMiniserver) publicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&f.priv.PublicKey)
	require.NoError(f.t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (f *fakeMiniserver) respond(cmd string) string {
	switch {
	case cmd == "jdev/sys/getPublicKey":
		return okString(f.publicKeyPEM())

	case strings.HasPrefix(cmd, "jdev/sys/keyexchange/"):
		blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(cmd, "jdev/sys/keyexchange/"))
		require.NoError(f.t, err)
		session, err := rsa.DecryptPKCS1v15(nil, f.priv, blob)
		require.NoError(f.t, err)
		parts := strings.SplitN(string(session), ":", 2)
		require.Len(f.t, parts, 2)
		f.aesKey, err = hex.DecodeString(parts[0])
		require.NoError(f.t, err)
		f.aesIV, err = hex.DecodeString(parts[1])
		require.NoError(f.t, err)
		require.Len(f.t, f.aesKey, 32)
		require.Len(f.t, f.aesIV, 16)
		return okString("session established")

	case cmd == "jdev/sys/getkey2/"+f.user:
		return fmt.Sprintf(`{"LL":{"Code":"200","value":{"key":%q,"salt":%q,"hashAlg":"SHA256"}}}`,
			hex.EncodeToString(f.hashKey), f.salt)

	case strings.HasPrefix(cmd, "jdev/sys/enc/"):
		inner := f.decryptCommand(strings.TrimPrefix(cmd, "jdev/sys/enc/"))
		expected := fmt.Sprintf("jdev/sys/getjwt/%s/%s/2/%s/%s",
			credentialHash(f.user, f.pass, f.salt, f.hashKey, "SHA256"),
			f.user, clientUUID, clientName)
		if strings.Contains(inner, expected) {
			f.tokenGranted = true
			return `{"LL":{"Code":"200","value":{"token":"tok"}}}`
		}
		return errCode("401")

	default:
		return errCode("404")
	}
}

// decryptCommand reverses the enc envelope: percent-decode, base64,
// AES-256-CBC, strip PKCS#7 padding and the salt prefix.
func (f *fakeMiniserver) decryptCommand(blob string) string {
	unescaped, err := url.QueryUnescape(blob)
	require.NoError(f.t, err)
	ciphertext, err := base64.StdEncoding.DecodeString(unescaped)
	require.NoError(f.t, err)
	block, err := aes.NewCipher(f.aesKey)
	require.NoError(f.t, err)
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, f.aesIV).CryptBlocks(plain, ciphertext)
	padding := int(plain[len(plain)-1])
	require.LessOrEqual(f.t, padding, aes.BlockSize)
	plain = plain[:len(plain)-padding]
	return strings.TrimSuffix(string(plain), "\x00")
}

func TestTokenAuth(t *testing.T) {
	ms := newFakeMiniserver(t)
	conn := &scriptedConn{respond: ms.respond}
	auth := newAuthenticator(log.NewNopLogger(), ms.user, ms.pass, "", 80)

	require.NoError(t, auth.authenticate(conn))
	require.True(t, ms.tokenGranted)
}

func TestTokenAuthRetriesWithGettoken(t *testing.T) {
	ms := newFakeMiniserver(t)
	conn := &scriptedConn{respond: func(cmd string) string {
		if strings.HasPrefix(cmd, "jdev/sys/enc/") {
			inner := ms.decryptCommand(strings.TrimPrefix(cmd, "jdev/sys/enc/"))
			if strings.Contains(inner, "jdev/sys/gettoken/") {
				return `{"LL":{"Code":"200","value":{"token":"tok"}}}`
			}
			return errCode("401") // older firmware rejects getjwt
		}
		return ms.respond(cmd)
	}}
	auth := newAuthenticator(log.NewNopLogger(), ms.user, ms.pass, "", 80)

	require.NoError(t, auth.authenticate(conn))
}

func TestHashAuthFallback(t *testing.T) {
	key := []byte("legacy-key")
	conn := &scriptedConn{respond: func(cmd string) string {
		switch {
		case cmd == "jdev/sys/getPublicKey":
			return errCode("401") // modern path unavailable
		case cmd == "jdev/sys/getkey":
			return okString(hex.EncodeToString(key))
		case strings.HasPrefix(cmd, "authenticate/"):
			mac := hmac.New(sha1.New, key)
			mac.Write([]byte("admin:secret"))
			if strings.TrimPrefix(cmd, "authenticate/") == hex.EncodeToString(mac.Sum(nil)) {
				return okString("authenticated")
			}
			return errCode("401")
		}
		return errCode("404")
	}}
	auth := newAuthenticator(log.NewNopLogger(), "admin", "secret", "", 80)

	require.NoError(t, auth.authenticate(conn))
}

func TestAuthenticateAllStrategiesFail(t *testing.T) {
	conn := &scriptedConn{respond: func(string) string { return errCode("401") }}
	auth := newAuthenticator(log.NewNopLogger(), "admin", "wrong", "", 80)

	err := auth.authenticate(conn)
	require.Error(t, err)
	require.True(t, IsAuthFailed(err))
}

func TestParseResponseCodeVariants(t *testing.T) {
	cases := []struct {
		doc     string
		body    string
		success bool
	}{
		{doc: "uppercase string code", body: `{"LL":{"Code":"200","value":"x"}}`, success: true},
		{doc: "lowercase numeric code", body: `{"LL":{"code":200,"value":"x"}}`, success: true},
		{doc: "error code", body: `{"LL":{"Code":"401","value":""}}`, success: false},
		{doc: "missing envelope", body: `{"Code":"200"}`, success: true},
		{doc: "garbage", body: `not json`, success: false},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			require.Equal(t, c.success, parseResponse([]byte(c.body)).success())
		})
	}
}

func TestCredentialHashLengths(t *testing.T) {
	key := []byte("key")
	// HMAC output length follows the negotiated algorithm.
	require.Len(t, credentialHash("u", "p", "s", key, "SHA256"), 64)
	require.Len(t, credentialHash("u", "p", "s", key, "SHA1"), 40)
	require.NotEqual(t,
		credentialHash("u", "p", "s", key, "SHA256"),
		credentialHash("u", "p", "other", key, "SHA256"))
}

func TestNormalizePublicKey(t *testing.T) {
	ms := newFakeMiniserver(t)
	pemKey := ms.publicKeyPEM()

	cases := []struct {
		doc string
		in  string
	}{
		{doc: "plain PEM", in: pemKey},
		{doc: "certificate markers", in: strings.NewReplacer(
			"-----BEGIN PUBLIC KEY-----", "-----BEGIN CERTIFICATE-----",
			"-----END PUBLIC KEY-----", "-----END CERTIFICATE-----",
		).Replace(pemKey)},
		{doc: "bare base64 body", in: strings.TrimSpace(strings.NewReplacer(
			"-----BEGIN PUBLIC KEY-----", "",
			"-----END PUBLIC KEY-----", "",
		).Replace(pemKey))},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			key, err := parsePublicKey(c.in)
			require.NoError(t, err)
			require.Equal(t, ms.priv.PublicKey.N, key.N)
		})
	}
}

func TestEncryptCommandEnvelope(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	enc, err := encryptCommand("jdev/sys/getjwt/x/admin/2/u/n", key, iv, "00ff")
	require.NoError(t, err)
	// Percent-encoding must cover the base64 path characters.
	require.NotContains(t, enc, "/")
	require.NotContains(t, enc, "+")

	ms := &fakeMiniserver{t: t, aesKey: key, aesIV: iv}
	require.Equal(t, "salt/00ff/jdev/sys/getjwt/x/admin/2/u/n", ms.decryptCommand(enc))
}

func TestPKCS7Pad(t *testing.T) {
	padded := pkcs7Pad([]byte("1234567890123456"), 16)
	require.Len(t, padded, 32)
	require.Equal(t, byte(16), padded[31])

	padded = pkcs7Pad([]byte("123"), 16)
	require.Len(t, padded, 16)
	require.Equal(t, byte(13), padded[15])
}

func TestCommandNameHidesArguments(t *testing.T) {
	require.Equal(t, "jdev/sys/enc", commandName("jdev/sys/enc/AAAA"))
	require.Equal(t, "authenticate", commandName("authenticate/deadbeef"))
	require.Equal(t, "jdev/sys/keyexchange", commandName("jdev/sys/keyexchange/AAAA"))
	require.Equal(t, "keepalive", commandName("keepalive"))
}
