package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dasher-automate/internal/domain"
)

func TestParseType(t *testing.T) {
	got, err := ParseType("update_rules")
	require.NoError(t, err)
	assert.Equal(t, TypeUpdateRules, got)

	_, err = ParseType("update_rules_v2")
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = ParseType("")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDeviceOrigin(t *testing.T) {
	for _, typ := range []Type{TypeDeviceConnected, TypeStatusUpdate, TypeOfferReceived, TypeActionTaken} {
		assert.True(t, typ.DeviceOrigin(), typ)
	}
	for _, typ := range []Type{TypePing, TypePong, TypeUpdateRules, TypeToggleService, TypeControl, TypeWelcome} {
		assert.False(t, typ.DeviceOrigin(), typ)
	}
}

func TestEncode_FlatPayload(t *testing.T) {
	data, err := Encode(ToggleService(false))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"toggle_service"`)
	assert.Contains(t, string(data), `"enabled":false`)
	assert.Contains(t, string(data), `"timestamp":`)
}

func TestDecode_UpdateRules(t *testing.T) {
	raw := []byte(`{"type":"update_rules","rules":{"minPay":8,"maxDistance":"6.5","minPayPerMile":2,"blacklistedStores":["Wendy"]},"timestamp":1}`)

	m, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, m.Rules)
	assert.Equal(t, "8", m.Rules.MinPay.String())
	assert.Equal(t, "6.5", m.Rules.MaxDistance.String())
	assert.Equal(t, []string{"Wendy"}, m.Rules.BlacklistedStores)
	assert.True(t, m.Rules.Enabled, "absent enabled falls back to default")
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reboot"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestPeek(t *testing.T) {
	typ, status, err := Peek([]byte(`{"type":"status_update","status":"ACTIVE","extra":{"deep":[1,2]}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeStatusUpdate, typ)
	assert.Equal(t, "ACTIVE", status)
}

func TestActionTaken(t *testing.T) {
	m := ActionTaken(domain.Verdict{Decision: domain.Decline, Rule: domain.RuleMinPay}, domain.Offer{Pay: "3"})
	assert.Equal(t, "DECLINED", m.Action)
	require.NotNil(t, m.Offer)
	assert.Equal(t, "3", m.Offer.Pay)
}
