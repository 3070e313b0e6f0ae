package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"qrvM3e7/":          "AA:BB:CC:DD:EE:FF",
		"aa-bb-cc-dd-ee-ff": "AA:BB:CC:DD:EE:FF",
		"aa:bb:cc:dd:ee:ff": "AA:BB:CC:DD:EE:FF",
		"11-22-33-44-55-66": "11:22:33:44:55:66",
		"not-a-device":      "not-a-device",
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAddr(in), in)
	}
}

type dataInvoker struct {
	mu    sync.Mutex
	types []string
}

func (d *dataInvoker) Invoke(_ context.Context, op string, args map[string]any) (any, error) {
	d.mu.Lock()
	d.types = append(d.types, args["type"].(string))
	d.mu.Unlock()
	switch args["type"] {
	case "info":
		return map[string]any{"model": "band9"}, nil
	case "status":
		return map[string]any{"battery": 80.0}, nil
	default:
		return nil, errors.New("storage unavailable")
	}
}

func TestInfoMergesTypes(t *testing.T) {
	inv := &dataInvoker{}
	got, err := Info(context.Background(), inv, "AA")
	require.NoError(t, err)

	assert.ElementsMatch(t, InfoTypes, inv.types)
	assert.Equal(t, "band9", got["info_model"])
	assert.Equal(t, 80.0, got["status_battery"])
	assert.Equal(t, "storage unavailable", got["storage_error"])
	assert.Equal(t, "AA", got["addr"])

	_, err = Info(context.Background(), inv, " ")
	assert.Error(t, err)
}
