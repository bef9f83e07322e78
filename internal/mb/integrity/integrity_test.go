package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/broker/internal/store/memory"
)

const testOID = "2.16.840.1.101.3.4.2.10"

func TestRefEncodeDecodeRoundTrips(t *testing.T) {
	ref := Ref{Level: 2, ID: "abc123", TS: 1_700_000_000, OID: testOID}
	decoded, err := DecodeRef(ref.Encode())
	require.NoError(t, err)
	assert.Equal(t, ref, decoded)
}

func TestDecodeRefRejectsMalformedInput(t *testing.T) {
	_, err := DecodeRef("not-enough-fields")
	assert.Error(t, err)
}

func TestSecretsHolderRotateDemotesCurrentToPrevious(t *testing.T) {
	h := NewSecretsHolder(testOID, []byte("secret-v1"))
	oid, secret := h.current()
	assert.Equal(t, testOID, oid)
	assert.Equal(t, []byte("secret-v1"), secret)

	_, _, ok := h.previous()
	assert.False(t, ok, "no previous secret before the first rotation")

	h.Rotate(testOID, []byte("secret-v2"))

	oid, secret = h.current()
	assert.Equal(t, testOID, oid)
	assert.Equal(t, []byte("secret-v2"), secret)

	prevOID, prevSecret, ok := h.previous()
	require.True(t, ok)
	assert.Equal(t, testOID, prevOID)
	assert.Equal(t, []byte("secret-v1"), prevSecret)
}

func TestProtectorProtectPersistsLevelZeroEntry(t *testing.T) {
	provider := memory.New()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	id := 0
	p := NewProtector(secrets, provider.IntegrityProtection(), func() string {
		id++
		return "fixed-id"
	})

	ref, err := p.Protect(context.Background(), "orders", []byte("document body"))
	require.NoError(t, err)

	decoded, err := DecodeRef(ref)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Level)
	assert.Equal(t, "fixed-id", decoded.ID)
}

func TestValidatorValidateAcceptsMatchingDocument(t *testing.T) {
	provider := memory.New()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, provider.IntegrityProtection(), func() string { return "p1" })
	v := NewValidator(secrets, provider.IntegrityProtection())
	ctx := context.Background()

	document := []byte("document body")
	ref, err := p.Protect(ctx, "orders", document)
	require.NoError(t, err)

	assert.NoError(t, v.Validate(ctx, "orders", ref, document))
}

func TestValidatorValidateRejectsTamperedDocument(t *testing.T) {
	provider := memory.New()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, provider.IntegrityProtection(), func() string { return "p1" })
	v := NewValidator(secrets, provider.IntegrityProtection())
	ctx := context.Background()

	ref, err := p.Protect(ctx, "orders", []byte("document body"))
	require.NoError(t, err)

	assert.Error(t, v.Validate(ctx, "orders", ref, []byte("tampered body")))
}

func TestValidatorValidateFallsBackToPreviousSecretAfterRotation(t *testing.T) {
	provider := memory.New()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, provider.IntegrityProtection(), func() string { return "p1" })
	ctx := context.Background()

	document := []byte("document body")
	ref, err := p.Protect(ctx, "orders", document)
	require.NoError(t, err)

	secrets.Rotate(testOID, []byte("secret-v2"))

	v := NewValidator(secrets, provider.IntegrityProtection())
	assert.NoError(t, v.Validate(ctx, "orders", ref, document), "validation should fall back to the previous secret")
}

func TestValidatorValidateRejectsAfterSecretNoLongerKnown(t *testing.T) {
	provider := memory.New()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, provider.IntegrityProtection(), func() string { return "p1" })
	ctx := context.Background()

	document := []byte("document body")
	ref, err := p.Protect(ctx, "orders", document)
	require.NoError(t, err)

	secrets.Rotate(testOID, []byte("secret-v2"))
	secrets.Rotate(testOID, []byte("secret-v3"))

	v := NewValidator(secrets, provider.IntegrityProtection())
	assert.Error(t, v.Validate(ctx, "orders", ref, document), "secret-v1 is no longer current or previous")
}

func TestConsolidatorRunOnceClosesFullBucketAndChains(t *testing.T) {
	provider := memory.New()
	facade := provider.IntegrityProtection()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, facade, func() string { return "p" })
	ctx := context.Background()

	bucketSize := 3
	for i := 0; i < bucketSize; i++ {
		_, err := p.Protect(ctx, "orders", []byte("document body"))
		require.NoError(t, err)
	}

	c := NewConsolidator(facade, secrets, 2, bucketSize, time.Hour)
	closed, err := c.RunOnce(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, closed, "the full level-0 bucket should close into one level-1 proof")

	closedAgain, err := c.RunOnce(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, closedAgain, "re-running with no fresh entries closes nothing")
}

func TestConsolidatorRunOnceLeavesPartialBucketOpenUntilWindowElapses(t *testing.T) {
	provider := memory.New()
	facade := provider.IntegrityProtection()
	secrets := NewSecretsHolder(testOID, []byte("secret-v1"))
	p := NewProtector(secrets, facade, func() string { return "p" })
	ctx := context.Background()

	_, err := p.Protect(ctx, "orders", []byte("document body"))
	require.NoError(t, err)

	c := NewConsolidator(facade, secrets, 2, 10, time.Hour)
	closed, err := c.RunOnce(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, closed, "a single entry under both the size and window thresholds stays open")
}
