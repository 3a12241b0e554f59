package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeAppliesTo(t *testing.T) {
	global := GlobalScope()
	k7 := KioskScope(7)

	assert.True(t, global.AppliesTo(1))
	assert.True(t, global.AppliesTo(7))
	assert.True(t, k7.AppliesTo(7))
	assert.False(t, k7.AppliesTo(3))

	var zero Scope
	assert.Equal(t, ScopeGlobal, zero.Kind())
}

func TestScopeJSON(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		json  string
	}{
		{name: "global", scope: GlobalScope(), json: `{"kind":"global"}`},
		{name: "kiosk", scope: KioskScope(7), json: `{"kind":"kiosk","kiosk_id":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.scope)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(data))

			var got Scope
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.scope, got)
		})
	}
}

func TestScopeJSONRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"kind":"kiosk"}`,
		`{"kind":"kiosk","kiosk_id":0}`,
		`{"kind":"region"}`,
		`{"kind":"global","kiosk_id":0}`,
		`{"kind":"global","kiosk_id":5}`,
		`{"kiosk_id":-1}`,
	} {
		var s Scope
		assert.Error(t, json.Unmarshal([]byte(raw), &s), raw)
	}
}

func TestScopeJSONInfersKind(t *testing.T) {
	var s Scope
	require.NoError(t, json.Unmarshal([]byte(`{"kiosk_id":4}`), &s))
	assert.Equal(t, KioskScope(4), s)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"global","kiosk_id":null}`), &s))
	assert.Equal(t, GlobalScope(), s)
}

func TestScopeNullableRoundTrip(t *testing.T) {
	assert.Nil(t, GlobalScope().Nullable())
	assert.Equal(t, GlobalScope(), ScopeFromNullable(nil))

	id := int64(9)
	assert.Equal(t, KioskScope(9), ScopeFromNullable(&id))
	assert.Equal(t, int64(9), *KioskScope(9).Nullable())
}

func TestMediaTypeForMIME(t *testing.T) {
	tests := []struct {
		mime  string
		media MediaType
		ok    bool
	}{
		{"image/jpeg", MediaImage, true},
		{"image/webp", MediaImage, true},
		{"IMAGE/PNG; charset=binary", MediaImage, true},
		{"video/mp4", MediaVideo, true},
		{"video/webm", MediaVideo, true},
		{"video/quicktime", "", false},
		{"application/pdf", "", false},
	}
	for _, tt := range tests {
		media, ok := MediaTypeForMIME(tt.mime)
		assert.Equal(t, tt.ok, ok, tt.mime)
		assert.Equal(t, tt.media, media, tt.mime)
	}
	assert.Equal(t, ".webm", ExtensionForMIME("video/webm"))
}
