// Package notify sends operator-facing push notifications for critical and
// fatal engine conditions (startup failure, gap invalidation, recovery
// exhaustion). It is a thin external-collaborator interface: the engine
// depends only on Sink, never on a concrete transport.
package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sink is the push-notification capability the engine depends on.
type Sink interface {
	Alert(streamID, message string)
	Critical(message string)
}

// NoopSink discards every notification; used when QTSW2_PUSHOVER_ENABLED is
// unset or false.
type NoopSink struct{}

func (NoopSink) Alert(string, string) {}
func (NoopSink) Critical(string)      {}

const pushoverAPIURL = "https://api.pushover.net/1/messages.json"

// PushoverSink posts to the Pushover messages API. It is safe for
// concurrent use.
type PushoverSink struct {
	userKey  string
	appToken string
	client   *http.Client
}

// NewPushoverSink constructs a PushoverSink. userKey/appToken must both be
// non-empty; callers resolve them from QTSW2_PUSHOVER_USER_KEY/APP_TOKEN
// (falling back to the legacy PUSHOVER_USER_KEY/APP_TOKEN names) before
// calling this constructor.
func NewPushoverSink(userKey, appToken string) *PushoverSink {
	return &PushoverSink{
		userKey:  userKey,
		appToken: appToken,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert sends a high-priority notification for one stream's gap
// invalidation; per testable-property "emits alert exactly once per slot",
// callers must only invoke this once per stream per trading date.
func (p *PushoverSink) Alert(streamID, message string) {
	p.send(1, fmt.Sprintf("[%s] %s", streamID, message))
}

// Critical sends a high-priority notification for an engine-level
// fatal/critical condition (startup failure, canonical-market lock
// contention, recovery exhaustion).
func (p *PushoverSink) Critical(message string) {
	p.send(1, message)
}

func (p *PushoverSink) send(priority int, message string) {
	form := url.Values{
		"token":    {p.appToken},
		"user":     {p.userKey},
		"message":  {message},
		"priority": {fmt.Sprintf("%d", priority)},
	}

	resp, err := p.client.PostForm(pushoverAPIURL, form)
	if err != nil {
		return // best-effort: a failed notification never blocks the engine
	}
	defer func() { _ = resp.Body.Close() }()
}

// ResolveCredentials applies the QTSW2_PUSHOVER_* / legacy PUSHOVER_*
// precedence named in §6: QTSW2-prefixed values win when both are set.
func ResolveCredentials(lookup func(string) (string, bool)) (userKey, appToken string, ok bool) {
	userKey, ok1 := firstSet(lookup, "QTSW2_PUSHOVER_USER_KEY", "PUSHOVER_USER_KEY")
	appToken, ok2 := firstSet(lookup, "QTSW2_PUSHOVER_APP_TOKEN", "PUSHOVER_APP_TOKEN")
	return strings.TrimSpace(userKey), strings.TrimSpace(appToken), ok1 && ok2
}

func firstSet(lookup func(string) (string, bool), names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
