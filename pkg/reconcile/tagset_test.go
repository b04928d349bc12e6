package reconcile_test

import (
	"encoding/json"
	"testing"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func TestTagSet_AddRemove(t *testing.T) {
	s := reconcile.NewTagSet()

	if !s.Add("purchased:PROD-1") {
		t.Error("Expected first Add to report insertion")
	}
	if s.Add("purchased:PROD-1") {
		t.Error("Expected second Add to be a no-op")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 tag, got %d", s.Len())
	}

	if !s.Remove("purchased:PROD-1") {
		t.Error("Expected Remove to report presence")
	}
	if s.Remove("purchased:PROD-1") {
		t.Error("Expected second Remove to be a no-op")
	}
	if s.Contains("purchased:PROD-1") {
		t.Error("Expected tag to be gone")
	}
}

func TestTagSet_ValuesSorted(t *testing.T) {
	s := reconcile.NewTagSet("c", "a", "b")

	values := s.Values()
	if len(values) != 3 || values[0] != "a" || values[1] != "b" || values[2] != "c" {
		t.Errorf("Expected sorted values [a b c], got %v", values)
	}
}

func TestTagSet_Clone(t *testing.T) {
	s := reconcile.NewTagSet("abandoned:PROD-1")
	c := s.Clone()

	c.Add("purchased:PROD-1")
	if s.Contains("purchased:PROD-1") {
		t.Error("Expected clone to be independent of the original")
	}
}

func TestTagSet_JSON(t *testing.T) {
	s := reconcile.NewTagSet("b", "a")

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("Expected sorted array, got %s", data)
	}

	var back reconcile.TagSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Len() != 2 || !back.Contains("a") || !back.Contains("b") {
		t.Errorf("Expected round-tripped set, got %v", back.Values())
	}
}
