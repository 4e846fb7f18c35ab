package validation

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

// MaxBatchSize bounds the number of proofs in one batch.
const MaxBatchSize = 100

// ValidateBatch validates proofs in parallel. Results are in input order.
// The error is non-nil only for an oversized batch or unavailable storage.
func (v *TokenValidator) ValidateBatch(ctx context.Context, proofs []*tokencipher.EncryptedProof) ([]Result, error) {
	if len(proofs) > MaxBatchSize {
		return nil, errors.NewValidationError("proofs",
			fmt.Sprintf("batch exceeds %d proofs", MaxBatchSize))
	}

	results := make([]Result, len(proofs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range proofs {
		i, p := i, p
		g.Go(func() error {
			res, err := v.ValidateE(gctx, p)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
