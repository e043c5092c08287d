package audit

import (
	"context"

	"github.com/ineyio/creditgate"
)

// SignedStore signs terminal records before handing them to the wrapped store.
type SignedStore struct {
	creditgate.RecordStore
	signer *Signer
}

var _ creditgate.RecordStore = (*SignedStore)(nil)

// NewSignedStore wraps next so every Completed or Failed record is signed on Save.
func NewSignedStore(next creditgate.RecordStore, signer *Signer) *SignedStore {
	return &SignedStore{RecordStore: next, signer: signer}
}

func (s *SignedStore) Save(ctx context.Context, rec creditgate.RequestRecord) error {
	if rec.State.Terminal() {
		rec.Signature = s.signer.Sign(rec)
	} else {
		rec.Signature = ""
	}
	return s.RecordStore.Save(ctx, rec)
}
