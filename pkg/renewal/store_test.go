package renewal

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/agilefinance/taskengine/pkg/store"
)

func newTestRedisStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return store.NewStore(s.Addr())
}
