package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorVersionPacksComponents(t *testing.T) {
	v := NewDescriptorVersion(1, 2, 3)
	assert.Equal(t, uint32(1), v.Major())
	assert.Equal(t, uint32(2), v.Minor())
	assert.Equal(t, uint32(3), v.Patch())
}

func TestFromMajorDefaultsToWildcardMinorAndPatch(t *testing.T) {
	v := FromMajor(5)
	assert.Equal(t, uint32(5), v.Major())
	assert.Equal(t, uint32(0xFFFF), v.Minor())
	assert.Equal(t, uint32(0xFFFF), v.Patch())
}

func TestFromMajorAndMinorDefaultsToWildcardPatch(t *testing.T) {
	v := FromMajorAndMinor(5, 7)
	assert.Equal(t, uint32(5), v.Major())
	assert.Equal(t, uint32(7), v.Minor())
	assert.Equal(t, uint32(0xFFFF), v.Patch())
}

func TestDescriptorVersionTotalOrder(t *testing.T) {
	// (major<<32)|(minor<<16)|patch orders lexicographically by component.
	assert.Less(t, uint64(NewDescriptorVersion(1, 9, 9)), uint64(NewDescriptorVersion(2, 0, 0)))
	assert.Less(t, uint64(NewDescriptorVersion(1, 0, 9)), uint64(NewDescriptorVersion(1, 1, 0)))
	assert.Less(t, uint64(NewDescriptorVersion(1, 0, 0)), uint64(NewDescriptorVersion(1, 0, 1)))
}

func TestExtractedValueTaggedUnion(t *testing.T) {
	text := TextValue("abc")
	assert.NotNil(t, text.Text)
	assert.Nil(t, text.BigInt)
	assert.False(t, text.IsZero())

	bigint := BigIntValue(42)
	assert.NotNil(t, bigint.BigInt)
	assert.Nil(t, bigint.Text)
	assert.False(t, bigint.IsZero())

	assert.True(t, ExtractedValue{}.IsZero())
}

func TestInternalIdentityString(t *testing.T) {
	id := NewInternalIdentity()
	assert.True(t, id.Internal)
	assert.Equal(t, "internal;;", id.IdentityString())
}

func TestBearerIdentityString(t *testing.T) {
	idString := NewIdentityString("accounts_google_com", "user-42")
	assert.Equal(t, "bearer;accounts_google_com;user-42", idString)

	id := NewBearerIdentity(map[string]any{"sub": "user-42"}, false, idString)
	assert.False(t, id.Internal)
	assert.Equal(t, idString, id.IdentityString())
}

func TestIdentityStringDistinguishesPrefixCollisions(t *testing.T) {
	// "sub-1" and "sub-12" must yield distinct identity strings even though
	// one subject is a prefix of the other.
	a := NewIdentityString("iss", "sub-1")
	b := NewIdentityString("iss", "sub-12")
	assert.NotEqual(t, a, b)
}
