package slug

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMake(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Acme Tool", "acme-tool"},
		{"  Acme   Tool  ", "acme-tool"},
		{"Acme's Tool!", "acmes-tool"},
		{"ACME---tool", "acme-tool"},
		{"Café Déjà Vu", "caf-dj-vu"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Make(tc.name); got != tc.want {
			t.Errorf("Make(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMakeCapsLength(t *testing.T) {
	got := Make(strings.Repeat("a", 80))
	if len(got) != maxLen {
		t.Fatalf("len = %d, want %d", len(got), maxLen)
	}
	if strings.HasSuffix(got, "-") {
		t.Fatalf("truncated slug %q must not end with a hyphen", got)
	}
}

func TestAllocatePicksFirstFreeSuffix(t *testing.T) {
	taken := map[string]bool{"acme-tool": true, "acme-tool-1": true}
	exists := func(_ context.Context, candidate string) (bool, error) {
		return taken[candidate], nil
	}

	got, err := Allocate(context.Background(), "Acme Tool", exists)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if got != "acme-tool-2" {
		t.Fatalf("got %q, want acme-tool-2", got)
	}
}

func TestAllocateEmptyNameYieldsNoSlug(t *testing.T) {
	exists := func(context.Context, string) (bool, error) {
		t.Fatal("must not probe for an empty base")
		return false, nil
	}
	got, err := Allocate(context.Background(), "***", exists)
	if err != nil || got != "" {
		t.Fatalf("got %q, %v; want empty slug and no error", got, err)
	}
}

func TestAllocateGivesUpEventually(t *testing.T) {
	exists := func(context.Context, string) (bool, error) { return true, nil }
	_, err := Allocate(context.Background(), "Acme Tool", exists)
	if !errors.Is(err, ErrTooManyCollisions) {
		t.Fatalf("err = %v, want ErrTooManyCollisions", err)
	}
}

func TestAllocatePropagatesProbeError(t *testing.T) {
	probeErr := errors.New("connection reset")
	exists := func(context.Context, string) (bool, error) { return false, probeErr }
	_, err := Allocate(context.Background(), "Acme Tool", exists)
	if !errors.Is(err, probeErr) {
		t.Fatalf("err = %v, want wrapped probe error", err)
	}
}
