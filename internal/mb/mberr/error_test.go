package mberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(MalformedIdentifier, "topic %q is empty", "")
	assert.Equal(t, MalformedIdentifier, err.Kind)
	assert.Equal(t, `MalformedIdentifier: topic "" is empty`, err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Unspecified, cause, "claim instance id")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "Unspecified: claim instance id: connection refused", err.Error())
}

func TestKindOfExtractsKindThroughWrapping(t *testing.T) {
	inner := Newf(Unauthorized, "identity not granted %s", "topic-a")
	wrapped := fmt.Errorf("authorize: %w", inner)
	assert.Equal(t, Unauthorized, KindOf(wrapped))
}

func TestKindOfDefaultsToUnspecifiedForForeignErrors(t *testing.T) {
	assert.Equal(t, Unspecified, KindOf(errors.New("not ours")))
	assert.Equal(t, Unspecified, KindOf(nil))
}

func TestBareKindErrorString(t *testing.T) {
	err := &Error{Kind: TrustedTimeError}
	assert.Equal(t, "TrustedTimeError", err.Error())
}
