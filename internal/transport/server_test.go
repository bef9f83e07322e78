package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/broker/internal/mb/broker"
)

func TestHTTPStatusForMapsKindsPerContract(t *testing.T) {
	cases := []struct {
		kind broker.ErrorKind
		want int
	}{
		{broker.MalformedIdentifier, http.StatusBadRequest},
		{broker.EvenDescriptorError, http.StatusBadRequest},
		{broker.AuthenticationFailure, http.StatusUnauthorized},
		{broker.Unauthorized, http.StatusForbidden},
		{broker.Unspecified, http.StatusInternalServerError},
		{broker.TrustedTimeError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		err := broker.Newf(c.kind, "boom")
		assert.Equal(t, c.want, httpStatusFor(err))
	}
}

func TestHTTPStatusForNonEngineErrorDefaultsTo500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, httpStatusFor(assertError("plain error")))
}

type assertError string

func (e assertError) Error() string { return string(e) }
