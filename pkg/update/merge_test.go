package update

import (
	"reflect"
	"testing"
)

func TestMerge_NewRowWinsOnKeyCollision(t *testing.T) {
	existing := []Row{{"k": "1", "v": "10"}}
	fresh := []Row{{"k": "1", "v": "99"}}

	got := Merge(existing, fresh, []string{"k"})

	want := []Row{{"k": "1", "v": "99"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %v, want %v", got, want)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	// Re-merging identical data with itself must not duplicate rows.
	rows := []Row{
		{"region": "N", "year": "2023", "value": "101"},
		{"region": "S", "year": "2023", "value": "87"},
		{"region": "N", "year": "2024", "value": "110"},
	}

	got := Merge(rows, rows, []string{"region", "year"})

	if !reflect.DeepEqual(got, rows) {
		t.Errorf("Merge(X, X) = %v, want %v", got, rows)
	}
}

func TestMerge_AppendsUnseenKeys(t *testing.T) {
	existing := []Row{
		{"region": "N", "year": "2023", "value": "101"},
	}
	fresh := []Row{
		{"region": "N", "year": "2024", "value": "110"},
		{"region": "S", "year": "2024", "value": "95"},
	}

	got := Merge(existing, fresh, []string{"region", "year"})

	if len(got) != 3 {
		t.Fatalf("Merge() returned %d rows, want 3", len(got))
	}
	// Existing rows keep their positions, new keys append in fresh order.
	if got[0]["value"] != "101" || got[1]["value"] != "110" || got[2]["value"] != "95" {
		t.Errorf("Merge() order = %v", got)
	}
}

func TestMerge_RevisionAbsorbed(t *testing.T) {
	// Upstream corrections: the revised value replaces the old one in place
	// while untouched rows survive.
	existing := []Row{
		{"region": "N", "year": "2023", "value": "101"},
		{"region": "S", "year": "2023", "value": "87"},
	}
	fresh := []Row{
		{"region": "S", "year": "2023", "value": "88"},
	}

	got := Merge(existing, fresh, []string{"region", "year"})

	want := []Row{
		{"region": "N", "year": "2023", "value": "101"},
		{"region": "S", "year": "2023", "value": "88"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %v, want %v", got, want)
	}
}

func TestMerge_MultiColumnKeyTuple(t *testing.T) {
	// Rows that agree on one key column but differ on another are distinct.
	existing := []Row{{"a": "x", "b": "1", "value": "old"}}
	fresh := []Row{{"a": "x", "b": "2", "value": "new"}}

	got := Merge(existing, fresh, []string{"a", "b"})

	if len(got) != 2 {
		t.Errorf("Merge() returned %d rows, want 2", len(got))
	}
}

func TestMerge_EmptyInputs(t *testing.T) {
	rows := []Row{{"k": "1", "v": "10"}}

	if got := Merge(nil, rows, []string{"k"}); !reflect.DeepEqual(got, rows) {
		t.Errorf("Merge(nil, rows) = %v, want %v", got, rows)
	}
	if got := Merge(rows, nil, []string{"k"}); !reflect.DeepEqual(got, rows) {
		t.Errorf("Merge(rows, nil) = %v, want %v", got, rows)
	}
	if got := Merge(nil, nil, []string{"k"}); len(got) != 0 {
		t.Errorf("Merge(nil, nil) = %v, want empty", got)
	}
}
