package tracing

import (
	"errors"
	"testing"

	"example.com/backstage/services/agreements/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerWithoutLicenseIsNoop(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{AppName: "Agreements Service"})
	require.NoError(t, err)

	txn := tracer.StartTransaction("process-create-agreement")
	assert.Nil(t, txn)
	assert.Nil(t, tracer.Application())

	span := tracer.StartSpan("normalize", txn)
	require.NotNil(t, span)
	span.End()

	assert.NotPanics(t, func() {
		tracer.AddAttribute(txn, "agreement_number", "FPTT123456789")
		tracer.RecordError(txn, errors.New("boom"))
		tracer.EndTransaction(txn)
		tracer.Close()
	})
}

func TestNoop(t *testing.T) {
	assert.Nil(t, Noop().StartTransaction("anything"))
}
