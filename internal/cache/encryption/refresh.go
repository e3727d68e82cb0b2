package encryption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often a keyset file is re-read.
const DefaultRefreshInterval = 15 * time.Minute

type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// RefreshableAEAD re-reads its keyset periodically, so that a rotated keyset
// file takes effect without a restart. A failed reload keeps the current
// keyset.
type RefreshableAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRefreshableAEADFromFile loads the keyset at path and reloads it every
// DefaultRefreshInterval until Close is called.
func NewRefreshableAEADFromFile(ctx context.Context, path string) (*RefreshableAEAD, error) {
	loader := func(context.Context) (tink.AEAD, error) {
		keyed, err := NewAEADFromFile(path)
		if err != nil {
			return nil, err
		}
		return keyed, nil
	}
	return newRefreshableAEAD(ctx, loader, DefaultRefreshInterval)
}

func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial AEAD: %w", err)
	}

	// the refresh goroutine must outlive a request-scoped ctx, but still stop
	// when the caller's ctx is cancelled or Close is called
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-refreshCtx.Done():
		}
	}()

	r := &RefreshableAEAD{
		aead:   initial,
		loader: loader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.refreshLoop(refreshCtx, interval)

	return r, nil
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead.Decrypt(ciphertext, associatedData)
}

// PrimaryKeyID reports the primary key of the current keyset, or zero when
// the loaded AEAD does not expose one.
func (r *RefreshableAEAD) PrimaryKeyID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if keyed, ok := r.aead.(interface{ PrimaryKeyID() uint32 }); ok {
		return keyed.PrimaryKeyID()
	}
	return 0
}

// Close stops refreshing, cancelling any reload in flight. Safe to call more
// than once.
func (r *RefreshableAEAD) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
	return nil
}

func (r *RefreshableAEAD) refreshLoop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RefreshableAEAD) refresh(ctx context.Context) {
	next, err := r.loader(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to refresh encryption keyset, continuing with current keyset")
		}
		return
	}

	r.mu.Lock()
	r.aead = next
	r.mu.Unlock()

	log.Debug().Msg("encryption keyset refreshed")
}
