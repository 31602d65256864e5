package action

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventName(t *testing.T) {
	cases := []struct {
		display string
		want    string
	}{
		{"Manual Scan", "manual_scan"},
		{"  Manual Scan  ", "manual_scan"},
		{"Manual Scan!", "manual_scan_"},
		{"Run -- IOC/Hash lookup", "run_ioc_hash_lookup"},
		{"already_snake", "already_snake"},
		{"Üñïçödé Näme", "üñïçödé_näme"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EventName(tc.display), tc.display)
	}
}

func TestParseHeaders(t *testing.T) {
	h := ParseHeaders(HeaderMap{
		"Co3ContextToken": "ctx-token",
		"timestamp":       "1724900000000",
		"message-id":      "msg-42",
		"subscription":    "my_queue",
		"reply-to":        "/queue/acks.201.my_queue",
		"correlation-id":  "corr-7",
	})
	assert.Equal(t, "ctx-token", h.ContextToken)
	assert.Equal(t, int64(1724900000000), h.Timestamp)
	assert.Equal(t, "msg-42", h.MessageID)
	assert.Equal(t, "my_queue", h.Subscription)
	assert.Equal(t, "/queue/acks.201.my_queue", h.ReplyTo)
	assert.Equal(t, "corr-7", h.CorrelationID)
}

func TestDecodeAndAccessors(t *testing.T) {
	raw := []byte(`{
		"action_id": 17,
		"object_type": {"name": "incident"},
		"incident": {"id": 2095, "properties": {"severity": "High"}}
	}`)
	m, err := Decode("my_queue", Headers{MessageID: "m1"}, raw)
	require.NoError(t, err)

	assert.Equal(t, 17, m.ActionID())
	assert.Equal(t, "incident", m.ObjectType())
	assert.Equal(t, "High", m.GetString("incident.properties.severity"))
	assert.Equal(t, float64(2095), m.Get("incident.id"))
	assert.Nil(t, m.Get("incident.missing.path"))
	assert.Equal(t, "", m.GetString("incident.id"), "non-string value reads as empty string")
	assert.Equal(t, raw, m.Raw())
}

func TestObjectTypeVariants(t *testing.T) {
	m, err := Decode("q", Headers{}, []byte(`{"object_type": "task"}`))
	require.NoError(t, err)
	assert.Equal(t, "task", m.ObjectType())

	m, err = Decode("q", Headers{}, []byte(`{"object_type": 4}`))
	require.NoError(t, err)
	assert.Equal(t, "4", m.ObjectType())

	m, err = Decode("q", Headers{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "", m.ObjectType())
	assert.Equal(t, 0, m.ActionID())
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	_, err := Decode("q", Headers{}, []byte(`not json`))
	require.Error(t, err)
}

func TestReplyEncode(t *testing.T) {
	b, err := NewReply(StatusError, "lookup failed").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_type":1,"message":"lookup failed","complete":true}`, string(b))

	b, err = NewReply(StatusOK, "").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_type":0,"message":"","complete":true}`, string(b))
}

func TestDeferError(t *testing.T) {
	de := Defer("waiting for enrichment")
	assert.Contains(t, de.Error(), "waiting for enrichment")

	wrapped := fmt.Errorf("handler: %w", de)
	got, ok := AsDefer(wrapped)
	require.True(t, ok)
	assert.Same(t, de, got)

	_, ok = AsDefer(errors.New("plain failure"))
	assert.False(t, ok)
}

func TestDeferEffectiveDelay(t *testing.T) {
	fixed := &DeferError{Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.EffectiveDelay())

	jittered := Defer("")
	for i := 0; i < 50; i++ {
		d := jittered.EffectiveDelay()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
