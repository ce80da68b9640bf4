package region

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		wantAbbr   string
		wantCode   int
		wantErr    bool
	}{
		{name: "upper case", identifier: "NC", wantAbbr: "NC", wantCode: 37},
		{name: "lower case", identifier: "nc", wantAbbr: "NC", wantCode: 37},
		{name: "padded", identifier: "  wy ", wantAbbr: "WY", wantCode: 56},
		{name: "single digit code", identifier: "AL", wantAbbr: "AL", wantCode: 1},
		{name: "unknown", identifier: "ZZ", wantErr: true},
		{name: "territory not in catalog", identifier: "PR", wantErr: true},
		{name: "empty", identifier: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Lookup(tt.identifier)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownRegion))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAbbr, r.Abbr)
			assert.Equal(t, tt.wantCode, r.Code)
		})
	}
}

func TestRegion_FIPS(t *testing.T) {
	assert.Equal(t, "01", Region{Abbr: "AL", Code: 1}.FIPS())
	assert.Equal(t, "37", Region{Abbr: "NC", Code: 37}.FIPS())
}

func TestAll(t *testing.T) {
	all := All()
	require.Len(t, all, 50)
	assert.Equal(t, "AK", all[0].Abbr)
	assert.Equal(t, "WY", all[len(all)-1].Abbr)

	codes := make(map[int]bool)
	for _, r := range all {
		assert.False(t, codes[r.Code], "duplicate code %d", r.Code)
		codes[r.Code] = true
	}
}

func TestParseList(t *testing.T) {
	regions, err := ParseList("NC, sc,nc,")
	require.NoError(t, err)
	assert.Equal(t, []Region{{Abbr: "NC", Code: 37}, {Abbr: "SC", Code: 45}}, regions)

	_, err = ParseList("NC,XX")
	assert.ErrorIs(t, err, ErrUnknownRegion)

	_, err = ParseList(" , ")
	assert.ErrorIs(t, err, ErrUnknownRegion)
}
