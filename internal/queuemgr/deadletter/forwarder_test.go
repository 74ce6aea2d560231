package deadletter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/queuemgr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewForwarder_DisabledWhenQueueURLEmpty(t *testing.T) {
	fwd, err := NewForwarder(context.Background(), Config{}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, fwd)
}

func TestForward_NilForwarderIsNoOp(t *testing.T) {
	var fwd *Forwarder
	err := fwd.Forward(context.Background(), &queuemgr.Entry{QueueID: 1})
	assert.NoError(t, err)
}
