/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package conn_errors holds the error taxonomy shared by every component of
// the connectivity engine.  Errors crossing the engine boundary are always a
// *Error carrying one of the Kind values below.
package conn_errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/grafana/regexp"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Kind int

const (
	KindNetwork Kind = iota
	KindAuthentication
	KindProtocol
	KindConfiguration
	KindCancelled
)

type (
	// Error is the classified error handed to callers of the engine.
	Error struct {
		Kind Kind
		// Op names the operation that failed ("connect", "sign", "forward", ...)
		Op string
		// Host is the endpoint involved, if any
		Host string
		Err  error
	}

	// Kinded is implemented by package-specific error types that know their
	// own classification.
	Kinded interface {
		ErrorKind() Kind
	}
)

var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrCancelled      = &Error{Kind: KindCancelled}

	// Fragments of x/crypto/ssh error text that indicate the server rejected
	// our credentials.  The library does not export typed errors for these,
	// so matching is on wording and may need updating alongside x/crypto.
	authFailureText = regexp.MustCompile(`(?i)unable to authenticate|no supported methods remain|authentication failed|permission denied \((publickey|password|keyboard-interactive)`)

	protocolFailureText = regexp.MustCompile(`(?i)no common algorithm|ssh: parse error|unexpected message|invalid packet length`)
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindConfiguration:
		return "configuration"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func New(kind Kind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

// NewConfiguration builds a configuration error from a message; these are
// produced before any socket is opened.
func NewConfiguration(op, host, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Host: host, Err: pkgerrors.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(" error")
	if e.Op != "" {
		sb.WriteString(" during ")
		sb.WriteString(e.Op)
	}
	if e.Host != "" {
		sb.WriteString(" to ")
		sb.WriteString(e.Host)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// Is reports whether target is one of the sentinel kind values (ErrNetwork,
// ErrAuthentication, ...) matching this error's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err == nil && t.Op == "" && t.Host == "" {
		return t.Kind == e.Kind
	}
	return t == e
}

// Message returns the underlying error text without the classification prefix;
// this is what ends up in exit and auth:failed events.
func (e *Error) Message() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Err.Error()
}

// Classify determines the Kind of an arbitrary error.  Typed errors win; the
// remaining cases fall back on well-known stdlib errors and finally on the
// error text reported by x/crypto/ssh.
func Classify(err error) Kind {
	if err == nil {
		return KindNetwork
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var passErr *ssh.PassphraseMissingError
	if errors.As(err, &passErr) {
		return KindConfiguration
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return KindProtocol
	}
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &revokedErr) {
		return KindProtocol
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindNetwork
	}

	msg := err.Error()
	if authFailureText.MatchString(msg) {
		return KindAuthentication
	}
	if protocolFailureText.MatchString(msg) {
		return KindProtocol
	}

	return KindNetwork
}

// Wrap classifies err and returns it as a *Error.  An existing *Error is
// returned as-is, with Op and Host filled in if they were empty.
func Wrap(err error, op, host string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		if existing.Host == "" {
			existing.Host = host
		}
		return existing
	}
	return &Error{Kind: Classify(err), Op: op, Host: host, Err: err}
}

func IsAuthentication(err error) bool {
	return err != nil && Classify(err) == KindAuthentication
}

func IsCancelled(err error) bool {
	return err != nil && Classify(err) == KindCancelled
}
