package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindValidation, "bad port range")
	assert.Equal(t, "bad port range", err.Error())

	wrapped := Wrap(err, KindInternal, "compile rule 3")
	assert.Equal(t, "compile rule 3: bad port range", wrapped.Error())
	assert.True(t, Is(wrapped, err))
}

func TestGetKind(t *testing.T) {
	err := Errorf(KindNotFound, "table %q", "spammers")
	assert.Equal(t, KindNotFound, GetKind(err))
	assert.Equal(t, KindConflict, GetKind(Wrapf(err, KindConflict, "reload")))
	assert.Equal(t, KindUnknown, GetKind(errors.New("plain")))
	assert.Nil(t, Wrap(nil, KindInternal, "nothing"))
}

func TestAttributes(t *testing.T) {
	err := Attr(New(KindValidation, "bad address"), "field", "from")
	err = Attr(err, "rule", 4)
	wrapped := Attr(Wrap(err, KindValidation, "load"), "file", "pf.yaml")

	attrs := GetAttributes(wrapped)
	assert.Equal(t, "from", attrs["field"])
	assert.Equal(t, 4, attrs["rule"])
	assert.Equal(t, "pf.yaml", attrs["file"])

	plain := Attr(errors.New("boom"), "where", "ipc")
	assert.Equal(t, KindInternal, GetKind(plain))
}

func TestFields(t *testing.T) {
	err := Attr(New(KindExhausted, "state limit"), "limit", 10000)
	f := Fields(err)
	assert.Equal(t, "exhausted", f["kind"])
	assert.Equal(t, "state limit", f["error"])
	assert.Equal(t, 10000, f["limit"])
}

func TestParseKind(t *testing.T) {
	for k := KindInternal; k <= KindExhausted; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindUnknown, ParseKind("bogus"))
}
