package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeDelivery(t *testing.T) {
	d, err := decodeDelivery([]byte(`{"message_id":"abc","reply_to":"client_q","payload":{"query":"hi"}}`))
	require.NoError(t, err)
	require.Equal(t, "abc", d.MessageID)
	require.Equal(t, "client_q", d.ReplyTo)
	require.JSONEq(t, `{"query":"hi"}`, string(d.Payload))
}

func TestDecodeDeliveryGeneratesMissingID(t *testing.T) {
	d, err := decodeDelivery([]byte(`{"reply_to":"client_q","payload":{}}`))
	require.NoError(t, err)
	require.NotEmpty(t, d.MessageID, "ingress without a correlation id gets one")
}

func TestDecodeDeliveryErrors(t *testing.T) {
	_, err := decodeDelivery([]byte(`not json`))
	require.Error(t, err)

	_, err = decodeDelivery([]byte(`{"message_id":"abc"}`))
	require.Error(t, err, "envelope without payload is undeliverable")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	// The correlation fields a response carries must match the request's
	// byte for byte.
	in := envelope{
		MessageID: "id-123",
		ReplyTo:   "replies",
		Payload:   json.RawMessage(`{"response":"ok"}`),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	d, err := decodeDelivery(data)
	require.NoError(t, err)
	require.Equal(t, in.MessageID, d.MessageID)
	require.Equal(t, in.ReplyTo, d.ReplyTo)
	require.JSONEq(t, string(in.Payload), string(d.Payload))
}
