package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"wastezone/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func zone(id string, capacity, fill, rate float64) model.Zone {
	return model.Zone{ID: id, Name: "Zone " + id, Lat: 9.99, Lon: 76.53, BinCapacity: capacity, CurrentFill: fill, GenerationRate: rate}
}

func newTestEngine(t *testing.T, cfg Config, zones ...model.Zone) (*Engine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	e, err := New(cfg, zones, WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clk
}

func TestNewRejectsBadZones(t *testing.T) {
	cases := []struct {
		name  string
		zones []model.Zone
		want  any
	}{
		{"zero capacity", []model.Zone{zone("a", 0, 0, 1)}, &model.OutOfRangeError{}},
		{"negative rate", []model.Zone{zone("a", 100, 0, -1)}, &model.ValidationError{}},
		{"negative fill", []model.Zone{zone("a", 100, -5, 1)}, &model.ValidationError{}},
		{"empty id", []model.Zone{zone("", 100, 0, 1)}, &model.ValidationError{}},
		{"duplicate id", []model.Zone{zone("a", 100, 0, 1), zone("a", 100, 0, 1)}, &model.ValidationError{}},
		{"bad latitude", []model.Zone{{ID: "a", Lat: 91, Lon: 0, BinCapacity: 1}}, &model.ValidationError{}},
		{"nan longitude", []model.Zone{{ID: "a", Lat: 0, Lon: math.NaN(), BinCapacity: 1}}, &model.ValidationError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(DefaultConfig(), tc.zones)
			if err == nil {
				t.Fatal("expected error")
			}
			switch tc.want.(type) {
			case *model.OutOfRangeError:
				var oe *model.OutOfRangeError
				if !errors.As(err, &oe) {
					t.Fatalf("want OutOfRangeError, got %T %v", err, err)
				}
			case *model.ValidationError:
				var ve *model.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("want ValidationError, got %T %v", err, err)
				}
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	var oe *model.OutOfRangeError
	if err := cfg.Validate(); !errors.As(err, &oe) {
		t.Fatalf("tick interval 0: got %v", err)
	}
	cfg = DefaultConfig()
	cfg.Thresholds = Thresholds{Medium: 70, High: 40, Critical: 90}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unordered thresholds")
	}
	cfg = DefaultConfig()
	cfg.ResetPolicy = "zero"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestTickAccruesByElapsedTicks(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 0, 5))

	clk.Advance(3 * time.Second)
	rep := e.Tick()
	if rep.ElapsedTicks != 1 || rep.Tick != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if z, _ := e.Zone("a"); z.CurrentFill != 5 {
		t.Fatalf("fill after one tick = %v, want 5", z.CurrentFill)
	}

	clk.Advance(4500 * time.Millisecond)
	e.Tick()
	if z, _ := e.Zone("a"); z.CurrentFill != 12.5 {
		t.Fatalf("fill after 1.5 ticks = %v, want 12.5", z.CurrentFill)
	}
}

func TestTickNeverExceedsCapacity(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 50, 30), zone("b", 10, 10, 1))
	for i := 0; i < 20; i++ {
		clk.Advance(3 * time.Second)
		e.Tick()
		for _, z := range e.Snapshot() {
			if z.FillPercentage > 100 || z.CurrentFill > z.BinCapacity {
				t.Fatalf("tick %d: zone %s over capacity: fill=%v pct=%v", i, z.ID, z.CurrentFill, z.FillPercentage)
			}
		}
	}
	z, _ := e.Zone("a")
	if z.FillPercentage != 100 || z.RiskLevel != model.RiskCritical {
		t.Fatalf("zone a = %+v", z)
	}
}

func TestRiskThresholds(t *testing.T) {
	th := DefaultConfig().Thresholds
	cases := map[float64]model.RiskLevel{
		0: model.RiskLow, 39.9: model.RiskLow, 40: model.RiskMedium, 69.9: model.RiskMedium,
		70: model.RiskHigh, 89.9: model.RiskHigh, 90: model.RiskCritical, 100: model.RiskCritical,
	}
	for pct, want := range cases {
		if got := th.Classify(pct); got != want {
			t.Errorf("Classify(%v) = %s, want %s", pct, got, want)
		}
	}
}

func TestOverflowPrediction(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(),
		zone("below", 100, 50, 5),
		zone("rising", 100, 85, 5),
		zone("static", 100, 85, 0),
		zone("full", 100, 100, 5),
	)
	if z, _ := e.Zone("below"); z.PredictedOverflowMinutes != nil {
		t.Fatalf("below threshold should be nil, got %v", *z.PredictedOverflowMinutes)
	}
	z, _ := e.Zone("rising")
	// 15 units left at 5/tick is 3 ticks of 3s.
	if z.PredictedOverflowMinutes == nil || math.Abs(*z.PredictedOverflowMinutes-0.15) > 1e-9 {
		t.Fatalf("rising = %v", z.PredictedOverflowMinutes)
	}
	if z, _ := e.Zone("static"); z.PredictedOverflowMinutes != nil {
		t.Fatalf("zero rate should be nil")
	}
	if z, _ := e.Zone("full"); z.PredictedOverflowMinutes == nil || *z.PredictedOverflowMinutes != 0 {
		t.Fatalf("full zone should predict 0")
	}
}

func TestCollectResidualPolicy(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 95, 1), zone("b", 100, 1, 1))
	clk.Advance(time.Minute)
	res, err := e.Collect("a", 40, time.Time{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.FillBefore != 95 || res.Zone.CurrentFill != 2 || res.Zone.RiskLevel != model.RiskLow {
		t.Fatalf("result = %+v", res)
	}
	if !res.Zone.LastCollectionTime.Equal(clk.Now()) {
		t.Fatalf("lastCollectionTime = %v", res.Zone.LastCollectionTime)
	}
	// a nearly empty bin is not refilled to the residual
	res, _ = e.Collect("b", 0, time.Time{})
	if res.Zone.CurrentFill != 1 {
		t.Fatalf("b fill = %v, want 1", res.Zone.CurrentFill)
	}
}

func TestCollectSubtractPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetPolicy = ResetSubtract
	e, _ := newTestEngine(t, cfg, zone("a", 100, 95, 1))

	res, err := e.Collect("a", 30, time.Time{})
	if err != nil || res.Zone.CurrentFill != 65 {
		t.Fatalf("subtract 30: %+v %v", res, err)
	}
	res, _ = e.Collect("a", 500, time.Time{})
	if res.Zone.CurrentFill != 0 {
		t.Fatalf("subtract past zero: fill = %v", res.Zone.CurrentFill)
	}
}

func TestCollectErrors(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), zone("a", 100, 95, 1))
	if _, err := e.Collect("missing", 1, time.Time{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown zone: %v", err)
	}
	var ve *model.ValidationError
	if _, err := e.Collect("a", -1, time.Time{}); !errors.As(err, &ve) {
		t.Fatalf("negative amount: %v", err)
	}
}

func TestTickReportsNewlyCritical(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 85, 10), zone("b", 100, 95, 1), zone("c", 100, 0, 1))
	var got []TickReport
	e.OnTick(func(r TickReport) { got = append(got, r) })

	clk.Advance(3 * time.Second)
	rep := e.Tick()
	if len(rep.NewlyCritical) != 1 || rep.NewlyCritical[0].ID != "a" {
		t.Fatalf("newly critical = %+v", rep.NewlyCritical)
	}
	clk.Advance(3 * time.Second)
	if rep := e.Tick(); len(rep.NewlyCritical) != 0 {
		t.Fatalf("already critical zones reported again: %+v", rep.NewlyCritical)
	}
	if len(got) != 2 || got[1].Tick != 2 {
		t.Fatalf("listener saw %d reports", len(got))
	}
}

func TestTopOrdersByScoreThenID(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(),
		zone("c", 100, 50, 0), zone("a", 100, 50, 0), zone("b", 100, 80, 0), zone("d", 100, 10, 0))

	top := e.Top(3)
	ids := []string{top[0].ID, top[1].ID, top[2].ID}
	if ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Fatalf("order = %v", ids)
	}
	if len(e.Top(0)) != 0 || len(e.Top(-1)) != 0 {
		t.Fatal("n <= 0 should be empty")
	}
	if len(e.Top(10)) != 4 {
		t.Fatal("n > len should return all zones")
	}
}

func TestScoreGrowsWithStaleness(t *testing.T) {
	clk := newFakeClock()
	z := zone("a", 100, 50, 0)
	z.LastCollectionTime = clk.Now().Add(-48 * time.Hour)
	e, err := New(DefaultConfig(), []model.Zone{z}, WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := e.Zone("a")
	if math.Abs(got.HotspotScore-70) > 1e-9 {
		t.Fatalf("score = %v, want 70", got.HotspotScore)
	}
}

func TestRestore(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 0, 1), zone("b", 100, 0, 1))
	last := clk.Now().Add(-time.Hour)
	n := e.Restore([]model.ZoneState{
		{ZoneID: "a", CurrentFill: 92, LastCollectionTime: last},
		{ZoneID: "b", CurrentFill: 250},
		{ZoneID: "gone", CurrentFill: 10},
	})
	if n != 2 {
		t.Fatalf("restored %d, want 2", n)
	}
	a, _ := e.Zone("a")
	if a.CurrentFill != 92 || a.RiskLevel != model.RiskCritical || !a.LastCollectionTime.Equal(last) {
		t.Fatalf("a = %+v", a)
	}
	if b, _ := e.Zone("b"); b.CurrentFill != 100 {
		t.Fatalf("b fill should clamp to capacity, got %v", b.CurrentFill)
	}
}

func TestConcurrentReadsSeeConsistentZones(t *testing.T) {
	e, clk := newTestEngine(t, DefaultConfig(), zone("a", 100, 0, 7), zone("b", 50, 0, 3), zone("c", 10, 0, 1))
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, z := range e.Snapshot() {
					want := math.Min(100, z.CurrentFill/z.BinCapacity*100)
					if z.FillPercentage != want || z.CurrentFill > z.BinCapacity {
						t.Errorf("torn zone %s: fill=%v pct=%v", z.ID, z.CurrentFill, z.FillPercentage)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		clk.Advance(time.Second)
		e.Tick()
		if i%10 == 0 {
			_, _ = e.Collect("a", 1, time.Time{})
		}
	}
	close(stop)
	wg.Wait()
}

func TestRunTicksUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	e, err := New(cfg, []model.Zone{zone("a", 100, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	ticked := make(chan struct{}, 1)
	e.OnTick(func(TickReport) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick observed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
