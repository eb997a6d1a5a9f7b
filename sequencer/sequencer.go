package sequencer

import "context"

// SeqAM is the access method for a named sequence.
type SeqAM interface {
	Read(ctx context.Context) (int64, error)
	NextVal(ctx context.Context) (int64, error)
	Reset(ctx context.Context, startVal int64, bufferSize int64) error
}
