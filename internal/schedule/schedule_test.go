package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, spec, tz string) *Schedule {
	t.Helper()
	s, err := Parse(spec, tz)
	if err != nil {
		t.Fatalf("Parse(%q, %q): %v", spec, tz, err)
	}
	return s
}

func TestParseRejectsBadSpecs(t *testing.T) {
	cases := []struct {
		spec string
		tz   string
	}{
		{"* * * *", ""},          // four fields
		{"61 * * * *", ""},       // minute out of range
		{"* * * * * *", ""},      // six fields
		{"not a cron", ""},       //
		{"* * * * *", "Mars/Olympus"}, // unknown zone
	}
	for _, tc := range cases {
		if _, err := Parse(tc.spec, tc.tz); !errors.Is(err, ErrBadSpec) {
			t.Errorf("Parse(%q, %q): want ErrBadSpec, got %v", tc.spec, tc.tz, err)
		}
	}
}

func TestFiresEveryFiveMinutes(t *testing.T) {
	s := mustParse(t, "*/5 * * * *", "UTC")

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)

	fires := s.Fires(t0, t1)
	want := []time.Time{
		t0,
		t0.Add(5 * time.Minute),
		t0.Add(10 * time.Minute),
		t0.Add(15 * time.Minute),
	}
	if len(fires) != len(want) {
		t.Fatalf("got %d fires, want %d: %v", len(fires), len(want), fires)
	}
	for i := range want {
		if !fires[i].Equal(want[i]) {
			t.Errorf("fire %d: got %v, want %v", i, fires[i], want[i])
		}
	}
}

func TestFiresWindowIsHalfOpen(t *testing.T) {
	s := mustParse(t, "0 * * * *", "UTC")

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fires := s.Fires(t0, t0.Add(time.Hour))

	if len(fires) != 1 || !fires[0].Equal(t0) {
		t.Fatalf("expected exactly the 12:00 fire, got %v", fires)
	}
}

func TestFiresDeterministic(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	a, err := ExpectedFires("17 3,9 * * 1-5", "Europe/London", t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ExpectedFires("17 3,9 * * 1-5", "Europe/London", t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("evaluation is not deterministic: %d vs %d fires", len(a), len(b))
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			t.Errorf("fire %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestFiresAdjacentWindowsAreAdditive(t *testing.T) {
	s := mustParse(t, "*/10 * * * *", "UTC")

	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mid := t0.Add(90 * time.Minute)
	t1 := t0.Add(3 * time.Hour)

	whole := s.Fires(t0, t1)
	split := append(s.Fires(t0, mid), s.Fires(mid, t1)...)

	if len(whole) != len(split) {
		t.Fatalf("union over adjacent windows has %d fires, single window %d",
			len(split), len(whole))
	}
	for i := range whole {
		if !whole[i].Equal(split[i]) {
			t.Errorf("fire %d: split %v, whole %v", i, split[i], whole[i])
		}
	}
}

func TestFiresDSTSpringForwardSkips(t *testing.T) {
	// America/New_York 2024-03-10: 02:00–03:00 local does not exist.
	s := mustParse(t, "30 2 * * *", "America/New_York")

	loc, _ := time.LoadLocation("America/New_York")
	t0 := time.Date(2024, 3, 10, 0, 0, 0, 0, loc)
	t1 := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)

	if fires := s.Fires(t0, t1); len(fires) != 0 {
		t.Errorf("skipped local time fired anyway: %v", fires)
	}
}

func TestFiresDSTFallBackFiresOnce(t *testing.T) {
	// America/New_York 2024-11-03: 01:30 local occurs twice.
	s := mustParse(t, "30 1 * * *", "America/New_York")

	loc, _ := time.LoadLocation("America/New_York")
	t0 := time.Date(2024, 11, 3, 0, 0, 0, 0, loc)
	t1 := time.Date(2024, 11, 4, 0, 0, 0, 0, loc)

	if fires := s.Fires(t0, t1); len(fires) != 1 {
		t.Errorf("ambiguous local time should fire once, got %v", fires)
	}
}

func TestFiresListsRangesSteps(t *testing.T) {
	s := mustParse(t, "0,30 8-10/2 * * *", "UTC")

	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fires := s.Fires(t0, t0.Add(24*time.Hour))

	// Hours 8 and 10, minutes 0 and 30.
	if len(fires) != 4 {
		t.Fatalf("got %d fires, want 4: %v", len(fires), fires)
	}
	if h := fires[0].Hour(); h != 8 {
		t.Errorf("first fire at hour %d, want 8", h)
	}
	if h := fires[3].Hour(); h != 10 {
		t.Errorf("last fire at hour %d, want 10", h)
	}
}
