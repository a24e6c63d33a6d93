package pagination

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	s := Encode(now, "inv_abc123")

	c, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !c.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, now)
	}
	if c.ID != "inv_abc123" {
		t.Errorf("ID = %q, want %q", c.ID, "inv_abc123")
	}
}

func TestDecodeEmpty(t *testing.T) {
	c, err := Decode("")
	if err != nil || c != nil {
		t.Errorf("Decode(empty) = %v, %v; want nil, nil", c, err)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, s := range []string{"not-base64!!", "bm9zZXBhcmF0b3I=", "eHx5"} {
		if _, err := Decode(s); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) err = %v, want ErrInvalidCursor", s, err)
		}
	}
}

func TestComputePage(t *testing.T) {
	type item struct {
		at time.Time
		id string
	}
	base := time.Now().UTC()
	items := []item{
		{base, "a"},
		{base.Add(-time.Minute), "b"},
		{base.Add(-2 * time.Minute), "c"},
	}
	key := func(i item) (time.Time, string) { return i.at, i.id }

	page, next, more := ComputePage(items, 2, key)
	if len(page) != 2 || !more || next == "" {
		t.Fatalf("page=%d more=%v next=%q, want 2 true non-empty", len(page), more, next)
	}
	c, err := Decode(next)
	if err != nil || c.ID != "b" {
		t.Errorf("next cursor = %+v, %v; want id b", c, err)
	}

	page, next, more = ComputePage(items, 3, key)
	if len(page) != 3 || more || next != "" {
		t.Errorf("full fetch: page=%d more=%v next=%q, want 3 false empty", len(page), more, next)
	}
}
