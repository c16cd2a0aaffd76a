package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/collateral-bridge/internal/chain"
	"github.com/atmx/collateral-bridge/internal/model"
)

// WaitFinalized polls src until hash is buried under the configured number
// of confirmations. Missing or unconfirmed transactions and RPC failures
// are polled up to the attempt bound; a reverted transaction fails at once.
func (s *Service) WaitFinalized(ctx context.Context, src Source, hash common.Hash) (*chain.Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rcpt, err := s.checkFinal(ctx, src, hash)
		if err == nil {
			return rcpt, nil
		}
		if errors.Is(err, model.ErrTxFailed) || !model.Retryable(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("waiting for source tx", "tx_hash", hash.Hex(), "attempt", attempt,
			"max_attempts", s.maxAttempts, "code", model.CodeOf(err))
		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, s.backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("tx %s after %d attempts: %w", hash.Hex(), s.maxAttempts, lastErr)
}

func (s *Service) checkFinal(ctx context.Context, src Source, hash common.Hash) (*chain.Receipt, error) {
	rcpt, err := src.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !rcpt.Succeeded() {
		return nil, fmt.Errorf("tx %s reverted: %w", hash.Hex(), model.ErrTxFailed)
	}
	final, err := s.final(ctx, src, rcpt.BlockNumber)
	if err != nil {
		return nil, err
	}
	if !final {
		return nil, fmt.Errorf("tx %s in block %d: %w", hash.Hex(), rcpt.BlockNumber, model.ErrTxNotFinalized)
	}
	return rcpt, nil
}

func (s *Service) final(ctx context.Context, src Source, block uint64) (bool, error) {
	head, err := src.Head(ctx)
	if err != nil {
		return false, err
	}
	return head >= block && head-block+1 >= s.confirmations, nil
}
