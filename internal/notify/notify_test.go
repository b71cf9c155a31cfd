package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopSink_DiscardsEverything(t *testing.T) {
	var s Sink = NoopSink{}
	assert.NotPanics(t, func() {
		s.Alert("ES1-0930-ORH", "range invalidated")
		s.Critical("canonical lock contention")
	})
}

func TestResolveCredentials_PrefersQTSW2Prefix(t *testing.T) {
	env := map[string]string{
		"QTSW2_PUSHOVER_USER_KEY": "new-user",
		"PUSHOVER_USER_KEY":       "legacy-user",
		"PUSHOVER_APP_TOKEN":      "legacy-token",
	}
	lookup := func(name string) (string, bool) { v, ok := env[name]; return v, ok }

	user, token, ok := ResolveCredentials(lookup)
	assert.True(t, ok)
	assert.Equal(t, "new-user", user)
	assert.Equal(t, "legacy-token", token)
}

func TestResolveCredentials_MissingEitherIsNotOK(t *testing.T) {
	lookup := func(string) (string, bool) { return "", false }
	_, _, ok := ResolveCredentials(lookup)
	assert.False(t, ok)
}
