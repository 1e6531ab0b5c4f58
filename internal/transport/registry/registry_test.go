package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerelay/forgerelay/internal/models"
)

func TestProviderPerKind(t *testing.T) {
	r := New(Options{UserAgent: "forgerelay/test"})
	defer r.Close()

	kinds := []models.TransportKind{
		models.TransportKindWebhook,
		models.TransportKindPubSub,
		models.TransportKindLogStream,
		models.TransportKindQueue,
		models.TransportKindEventBus,
		models.TransportKindAMQP,
	}
	for _, kind := range kinds {
		p, err := r.Provider(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, p.Kind())
	}

	_, err := r.Provider(models.TransportKind("carrier-pigeon"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestProviderIsShared(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	a, err := r.Provider(models.TransportKindWebhook)
	require.NoError(t, err)
	b, err := r.Provider(models.TransportKindWebhook)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
