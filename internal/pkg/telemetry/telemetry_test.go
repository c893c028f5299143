package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "deliverytrack-test", "", 1)
	require.NoError(t, err)
	defer Close(shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()
}
