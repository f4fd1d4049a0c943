package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("password", "hunter2"),
		attribute.String("invoice_id", "42"),
		attribute.String("memo", strings.Repeat("x", 400)),
	)
	assert.Len(t, attrs, 2)
	assert.Equal(t, "invoice_id", string(attrs[0].Key))
	assert.Len(t, attrs[1].Value.AsString(), maxAttributeLength)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New(strings.Repeat("e", 1000)))
	assert.Len(t, err.Error(), maxAttributeLength)
}
