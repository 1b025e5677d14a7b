package metrics

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceValidate(t *testing.T) {
	assert.NoError(t, Source{Kind: SourceOS, PID: 1}.Validate())
	assert.NoError(t, Source{Kind: SourceAgent, PID: 42}.Validate())
	assert.Error(t, Source{Kind: SourceOS, PID: 0}.Validate())
	assert.Error(t, Source{Kind: SourceOS, PID: -3}.Validate())
	assert.Error(t, Source{Kind: SourceKind(9), PID: 10}.Validate())
	assert.Equal(t, "agent", SourceAgent.String())
}

func TestSampleSelf(t *testing.T) {
	s := NewSampler()
	u, err := s.Sample(context.Background(), Source{Kind: SourceOS, PID: os.Getpid()})
	require.NoError(t, err)
	assert.Greater(t, u.Memory, uint64(0))
	assert.GreaterOrEqual(t, u.CPU, 0.0)
}

func TestSampleInvalidPID(t *testing.T) {
	s := NewSampler()
	u, err := s.Sample(context.Background(), Source{Kind: SourceOS, PID: -1})
	assert.Error(t, err)
	assert.Equal(t, Usage{}, u)

	// a pid far beyond pid_max
	u, err = s.Sample(context.Background(), Source{Kind: SourceOS, PID: 1 << 30})
	assert.Error(t, err)
	assert.Equal(t, Usage{}, u)
}
