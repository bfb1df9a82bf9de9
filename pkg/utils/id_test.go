package utils

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerateRunID(t *testing.T) {
	id := GenerateRunID()
	if !strings.HasPrefix(id, "run-") {
		t.Errorf("Expected run ID to start with 'run-', got '%s'", id)
	}
	if err := ValidateRunID(id); err != nil {
		t.Errorf("Generated run ID should validate: %v", err)
	}
}

func TestGenerateRunIDConcurrentUniqueness(t *testing.T) {
	const n = 200
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := GenerateRunID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("Expected %d unique IDs, got %d", n, len(seen))
	}
}

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"run-abc", false},
		{"baseline_1", false},
		{"", true},
		{"a/b", true},
		{"a:stop", true},
		{"has space", true},
	}

	for _, tt := range tests {
		err := ValidateRunID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRunID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
