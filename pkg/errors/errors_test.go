package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	t.Parallel()

	base := Conflict("illegal_transition", "cannot move completed to approved")
	wrapped := fmt.Errorf("approve: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "illegal_transition", CodeOf(wrapped))
	assert.True(t, IsKind(wrapped, KindConflict))
	assert.False(t, IsKind(nil, KindConflict))
}

func TestKindOf_ForeignErrorIsInternal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindInternal, KindOf(io.EOF))
	assert.Equal(t, "internal", CodeOf(io.EOF))
}

func TestWrap_Unwraps(t *testing.T) {
	t.Parallel()

	e := Wrap(KindUnavailable, "circuit_open", "processor unavailable", io.ErrUnexpectedEOF)
	require.True(t, stderrors.Is(e, io.ErrUnexpectedEOF))
	assert.Contains(t, e.Error(), "circuit_open")
	assert.Contains(t, e.Error(), "unexpected EOF")
}

func TestWith_AddsFields(t *testing.T) {
	t.Parallel()

	e := Validation("amount_mismatch", "amount does not match line items").
		With("expected", int64(18500)).
		With("got", int64(100))

	assert.Equal(t, int64(18500), e.Fields["expected"])
	assert.Equal(t, int64(100), e.Fields["got"])
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[Kind]int{
		KindValidation:     http.StatusBadRequest,
		KindNotFound:       http.StatusNotFound,
		KindConflict:       http.StatusConflict,
		KindAuthentication: http.StatusUnauthorized,
		KindAuthorization:  http.StatusForbidden,
		KindUnavailable:    http.StatusServiceUnavailable,
		KindTimeout:        http.StatusGatewayTimeout,
		KindPaymentFailed:  http.StatusPaymentRequired,
		KindFraudDetected:  http.StatusUnprocessableEntity,
		KindInternal:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}
