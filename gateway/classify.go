package gateway

import (
	"strings"

	"github.com/teranos/groupcast/errors"
)

// Class says how the dispatcher should treat a failed delivery.
type Class string

const (
	// ClassNone is the class of a successful delivery.
	ClassNone Class = ""
	// ClassTerminal failures will not resolve by retrying soon, e.g. the
	// channel is disconnected.
	ClassTerminal Class = "terminal"
	// ClassTransient failures are network-level and worth a near-term retry.
	ClassTransient Class = "transient"
	// ClassUnknown is any other non-success. Scheduled like transient but
	// logged distinctly.
	ClassUnknown Class = "unknown"
)

var (
	ErrTerminal  = errors.New("terminal gateway error")
	ErrTransient = errors.New("transient network error")
	ErrUnknown   = errors.New("unknown dispatch error")
)

// Err returns the sentinel for c, or nil for ClassNone.
func (c Class) Err() error {
	switch c {
	case ClassTerminal:
		return ErrTerminal
	case ClassTransient:
		return ErrTransient
	case ClassUnknown:
		return ErrUnknown
	}
	return nil
}

// Retryable reports whether the dispatcher should reschedule soon.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassUnknown
}

// The gateway answers in English or Portuguese depending on the build.
// A missing instance is terminal like a disconnected one: the channel id
// is stale and retrying in minutes cannot bring it back.
var terminalPhrases = []string{
	"not connected",
	"não conectada",
	"não conectado",
	"não está conectada",
	"nao conectada",
	"nao esta conectada",
	"instance not found",
	"instância não encontrada",
}

var transientPhrases = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"unavailable",
	"bad gateway",
	"eof",
	"502",
	"503",
	"504",
	"429",
	"too many requests",
}

// ClassifyError maps gateway or transport error text to a Class. Terminal
// phrases win over transient ones.
func ClassifyError(text string) Class {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ClassUnknown
	}
	for _, p := range terminalPhrases {
		if strings.Contains(t, p) {
			return ClassTerminal
		}
	}
	for _, p := range transientPhrases {
		if strings.Contains(t, p) {
			return ClassTransient
		}
	}
	return ClassUnknown
}
