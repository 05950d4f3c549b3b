package proxy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBackendHTTPClientHasNoTopLevelTimeout(t *testing.T) {
	client := NewBackendHTTPClient()
	assert.Equal(t, int64(0), int64(client.Timeout))
	assert.NotNil(t, client.Transport)
}

func TestClassifyTransportErrorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := classifyTransportError(ctx, errors.New("boom"))
	assert.True(t, IsCancelled(err))
}

func TestClassifyTransportErrorOpError(t *testing.T) {
	err := classifyTransportError(context.Background(), &net.OpError{Op: "dial", Err: errors.New("refused")})
	assert.True(t, IsBackendUnavailable(err))
}

func TestClassifyTransportErrorOther(t *testing.T) {
	err := classifyTransportError(context.Background(), errors.New("weird"))
	assert.Equal(t, KindInternal, err.Kind)
}
