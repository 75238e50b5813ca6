package activities

import (
	"context"
	"encoding/json"

	"github.com/itsbrex/julep/blob"
	"github.com/itsbrex/julep/execution"
)

// SaveInputsRemote offloads payloads above the configured threshold to the
// blob store (save) or resolves reference documents back to their original
// values (load). Without a blob store payloads pass through unchanged.
func (a *Activities) SaveInputsRemote(ctx context.Context, req *execution.BlobRequest) (*execution.BlobResponse, error) {
	if req == nil {
		return nil, execution.NewError(execution.KindBadInput, "blob request is required")
	}
	resp := &execution.BlobResponse{Payloads: make([]json.RawMessage, len(req.Payloads))}
	if a.blobs == nil {
		copy(resp.Payloads, req.Payloads)
		return resp, nil
	}
	for i, payload := range req.Payloads {
		var (
			out []byte
			err error
		)
		if req.Save {
			out, err = blob.Offload(ctx, a.blobs, payload, a.blobThreshold)
		} else {
			out, err = blob.Resolve(ctx, a.blobs, payload)
		}
		if err != nil {
			return nil, execution.WrapError(execution.KindTransient, err, "sync payload %d", i)
		}
		resp.Payloads[i] = out
	}
	return resp, nil
}
