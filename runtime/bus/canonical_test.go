package bus

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

func sampleMessage() *Message {
	return &Message{
		ID:        "2f9c2e24-6f0a-4f5e-9c0a-2f9c2e246f0a",
		From:      "repo-a",
		To:        "repo-b",
		Subject:   "deploy finished",
		Body:      "build 42 is live",
		Priority:  task.PriorityHigh,
		Timestamp: time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC),
		Context:   map[string]string{"env": "prod", "build": "42"},
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	t.Parallel()

	m := sampleMessage()
	raw, err := Canonical(m)
	require.NoError(t, err)

	decoded, err := decodeCanonical(raw)
	require.NoError(t, err)
	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.From, decoded.From)
	assert.Equal(t, m.To, decoded.To)
	assert.Equal(t, m.Subject, decoded.Subject)
	assert.Equal(t, m.Body, decoded.Body)
	assert.Equal(t, m.Priority, decoded.Priority)
	assert.True(t, m.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, m.Context, decoded.Context)
}

func TestCanonicalDeterministic(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	properties.Property("same inputs always produce byte-identical canonical forms",
		prop.ForAll(func(subject, body string, keys []string) bool {
			ctx := make(map[string]string, len(keys))
			for i, k := range keys {
				ctx[k] = body + string(rune('a'+i%26))
			}
			m := sampleMessage()
			m.Subject = subject
			m.Body = body
			m.Context = ctx

			first, err := Canonical(m)
			if err != nil {
				return false
			}
			// A fresh map with the same pairs must not change the bytes.
			clone := *m
			clone.Context = make(map[string]string, len(ctx))
			for k, v := range ctx {
				clone.Context[k] = v
			}
			second, err := Canonical(&clone)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		}, gen.AnyString(), gen.AnyString(), gen.SliceOf(gen.Identifier())),
	)
	properties.TestingRun(t)
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	raw, err := Canonical(sampleMessage())
	require.NoError(t, err)
	secret := []byte("repo-a-secret")

	sig := Sign(raw, secret)
	assert.True(t, Verify(raw, sig, secret))
	assert.False(t, Verify(raw, sig, []byte("other-secret")))

	tampered := append([]byte{}, raw...)
	tampered[0] ^= 0xff
	assert.False(t, Verify(tampered, sig, secret))
}

func TestRoot(t *testing.T) {
	t.Parallel()

	m := &Message{ID: "m1"}
	assert.Equal(t, "m1", m.Root())
	m.InReplyTo = "m0"
	assert.Equal(t, "m0", m.Root())
}
