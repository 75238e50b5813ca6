package activities

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/blob"
	"github.com/itsbrex/julep/execution"
)

type mapBlobStore struct {
	data map[string][]byte
	n    int
}

func (m *mapBlobStore) Put(_ context.Context, payload []byte) (string, error) {
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.n++
	key := "blob-" + string(rune('0'+m.n))
	m.data[key] = append([]byte(nil), payload...)
	return key, nil
}

func (m *mapBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	payload, ok := m.data[key]
	if !ok {
		return nil, execution.NewError(execution.KindNotFound, "blob %q not found", key)
	}
	return payload, nil
}

func TestSaveInputsRemoteRoundTrip(t *testing.T) {
	store := &mapBlobStore{}
	a := newTestActivities(t, func(o *Options) {
		o.Blobs = store
		o.BlobThreshold = 16
	})

	big := json.RawMessage(`"` + strings.Repeat("x", 64) + `"`)
	small := json.RawMessage(`{"n":1}`)

	saved, err := a.SaveInputsRemote(context.Background(), &execution.BlobRequest{
		Save:     true,
		Payloads: []json.RawMessage{big, small},
	})
	require.NoError(t, err)
	require.Len(t, saved.Payloads, 2)

	_, isRef := blob.ParseRef(saved.Payloads[0])
	require.True(t, isRef)
	require.JSONEq(t, string(small), string(saved.Payloads[1]))

	loaded, err := a.SaveInputsRemote(context.Background(), &execution.BlobRequest{
		Payloads: saved.Payloads,
	})
	require.NoError(t, err)
	require.JSONEq(t, string(big), string(loaded.Payloads[0]))
	require.JSONEq(t, string(small), string(loaded.Payloads[1]))
}

func TestSaveInputsRemoteWithoutStore(t *testing.T) {
	a := newTestActivities(t)
	payload := json.RawMessage(`"` + strings.Repeat("x", 1<<16) + `"`)

	resp, err := a.SaveInputsRemote(context.Background(), &execution.BlobRequest{
		Save:     true,
		Payloads: []json.RawMessage{payload},
	})
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(resp.Payloads[0]))
}
