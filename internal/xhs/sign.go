package xhs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/exec"
	"strings"
)

// Signature holds the signing headers the platform requires on API requests.
type Signature struct {
	XS       string `json:"x-s"`
	XT       string `json:"x-t"`
	XSCommon string `json:"x-s-common"`
}

// Signer produces request signatures. The algorithm itself is opaque to this
// package; implementations wrap whatever oracle computes it.
type Signer interface {
	Sign(ctx context.Context, method, api string, payload []byte, a1 string) (Signature, error)
}

// CommandSigner shells out to an external signing command (typically a node
// script wrapping the platform's obfuscated JS). The command receives
// method, api and the a1 cookie as arguments, the request payload on stdin,
// and must print a JSON object with x-s, x-t and x-s-common fields.
type CommandSigner struct {
	Command []string
}

// NewCommandSigner creates a signer backed by the given command line.
func NewCommandSigner(command []string) *CommandSigner {
	return &CommandSigner{Command: command}
}

func (s *CommandSigner) Sign(ctx context.Context, method, api string, payload []byte, a1 string) (Signature, error) {
	if len(s.Command) == 0 {
		return Signature{}, fmt.Errorf("sign: no signing command configured")
	}

	args := append(append([]string{}, s.Command[1:]...), method, api, a1)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	if err != nil {
		return Signature{}, fmt.Errorf("sign: running %s: %w", s.Command[0], err)
	}

	var sig Signature
	if err := json.Unmarshal(bytes.TrimSpace(out), &sig); err != nil {
		return Signature{}, fmt.Errorf("sign: parsing signer output: %w", err)
	}
	if sig.XS == "" {
		return Signature{}, fmt.Errorf("sign: signer output missing x-s")
	}
	return sig, nil
}

// ParseCookies splits a browser cookie string into key/value pairs.
func ParseCookies(cookieStr string) map[string]string {
	cookies := make(map[string]string)
	sep := ";"
	if strings.Contains(cookieStr, "; ") {
		sep = "; "
	}
	for _, item := range strings.Split(cookieStr, sep) {
		if item == "" {
			continue
		}
		key, value, _ := strings.Cut(item, "=")
		cookies[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return cookies
}

const hexDigits = "abcdef0123456789"

// randomTraceID generates an n-character lowercase-hex trace id matching the
// x-b3-traceid format the web client sends.
func randomTraceID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = hexDigits[rand.Intn(len(hexDigits))]
	}
	return string(b)
}
