package history

import (
	"context"
	"errors"
	"sync"

	"github.com/iwangbowen/simple-scp/internal/kvstore"
)

// ErrNotInitialized is returned by Instance before Initialize has succeeded.
var ErrNotInitialized = errors.New("history service not initialized")

var (
	globalService *Service
	registryMu    sync.RWMutex
)

// Initialize creates the process-wide Service on first call. Later calls
// return the existing instance and ignore their arguments.
func Initialize(ctx context.Context, store kvstore.Store, opts Options) (*Service, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if globalService != nil {
		return globalService, nil
	}
	s, err := New(ctx, store, opts)
	if err != nil {
		return nil, err
	}
	globalService = s
	return s, nil
}

// Instance returns the process-wide Service.
func Instance() (*Service, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if globalService == nil {
		return nil, ErrNotInitialized
	}
	return globalService, nil
}

// ResetForTest disposes and forgets the process-wide Service.
func ResetForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if globalService != nil {
		globalService.Dispose()
	}
	globalService = nil
}
