package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/env"
)

func TestNewFromEnvNoop(t *testing.T) {
	t.Parallel()

	tp, err := NewFromEnv(context.Background(), &env.Config{}, "")
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "span")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewClientProtocols(t *testing.T) {
	t.Parallel()

	tests := []struct {
		proto   string
		wantErr error
	}{
		{proto: "http"},
		{proto: "HTTP"},
		{proto: "grpc", wantErr: ErrUnsupportedProto},
		{proto: "", wantErr: ErrUnsupportedProto},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.proto, func(t *testing.T) {
			t.Parallel()

			c, err := newClient(tt.proto, "localhost:4318", true)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ratio   null.Float
		wantErr error
	}{
		{name: "default_ratio"},
		{name: "half", ratio: null.FloatFrom(0.5)},
		{name: "never", ratio: null.FloatFrom(0)},
		{name: "negative", ratio: null.FloatFrom(-0.1), wantErr: ErrInvalidSampleRatio},
		{name: "above_one", ratio: null.FloatFrom(1.5), wantErr: ErrInvalidSampleRatio},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := &env.Config{
				TracesEndpoint:    "localhost:4318",
				TracesInsecure:    true,
				TracesSampleRatio: tc.ratio,
			}
			tp, err := NewFromEnv(context.Background(), c, "0.1.0")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, tp.Shutdown(ctx))
		})
	}
}

func TestNewResource(t *testing.T) {
	t.Parallel()

	attrs := map[string]string{}
	for _, kv := range newResource("1.2.3").Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ghost", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.NotEmpty(t, attrs["process.pid"])

	for _, kv := range newResource("").Attributes() {
		assert.NotEqual(t, "service.version", string(kv.Key))
	}
}
