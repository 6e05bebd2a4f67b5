package sqlitestore

import (
	"testing"

	"github.com/nexuschat/orchestrator/internal/store"
	"github.com/nexuschat/orchestrator/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(":memory:")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
