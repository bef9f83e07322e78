package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/broker/internal/mb/model"
)

func TestParseVersionFullTriple(t *testing.T) {
	v, err := parseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v.Major())
	assert.Equal(t, uint32(2), v.Minor())
	assert.Equal(t, uint32(3), v.Patch())
}

func TestParseVersionMajorOnlyDefaultsToWildcard(t *testing.T) {
	v, err := parseVersion("1")
	require.NoError(t, err)
	assert.Equal(t, model.FromMajor(1), v)
}

func TestParseVersionMajorMinorDefaultsPatchToWildcard(t *testing.T) {
	v, err := parseVersion("1.2")
	require.NoError(t, err)
	assert.Equal(t, model.FromMajorAndMinor(1, 2), v)
}

func TestParseVersionRejectsNonNumeric(t *testing.T) {
	_, err := parseVersion("abc")
	assert.Error(t, err)
}

func TestParseVersionCapMatchesParseVersionForMajorMinorForms(t *testing.T) {
	withPatchless, err := parseVersionCap("3.4")
	require.NoError(t, err)
	withDottedPair, err := parseVersion("3.4")
	require.NoError(t, err)
	assert.Equal(t, withDottedPair, withPatchless)
}

func TestParseVersionCapMajorOnly(t *testing.T) {
	v, err := parseVersionCap("9")
	require.NoError(t, err)
	assert.Equal(t, model.FromMajor(9), v)
}

func TestToGistResponseProjectsFields(t *testing.T) {
	gist := model.EventDeliveryGist{
		Document:         []byte(`{"a":1}`),
		ProtectionRef:    "ref-1",
		CorrelationToken: "corr-1",
	}
	resp := toGistResponse(gist)
	assert.Equal(t, gist.UniqueTime.Encode(), resp.EncodedUniqueTime)
	assert.JSONEq(t, `{"a":1}`, string(resp.EventDocument))
	assert.Equal(t, "ref-1", resp.ProtectionRef)
	assert.Equal(t, "corr-1", resp.CorrelationToken)
}
