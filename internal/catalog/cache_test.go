package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"pottsmarket/internal/market"

	"github.com/kr/pretty"
)

type stubLister struct {
	list  []market.Market
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (s *stubLister) ListMarkets(ctx context.Context) ([]market.Market, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.list, s.err
}

func mk(slug string, status market.Status) market.Market {
	return market.Market{Slug: slug, Title: slug, Status: status}
}

func slugs(ms []market.Market) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Slug
	}
	return out
}

func TestLoadAllPreservesServerOrder(t *testing.T) {
	src := &stubLister{list: []market.Market{mk("c", market.StatusOpen), mk("a", market.StatusOpen), mk("b", market.StatusDraft)}}
	c := New(src, nil)
	if c.Loaded() {
		t.Fatalf("fresh cache should not report loaded")
	}
	got, err := c.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := pretty.Diff(slugs(got), []string{"c", "a", "b"}); len(diff) > 0 {
		t.Fatalf("order differs: %v", diff)
	}
	if !c.Loaded() || c.Version() != 1 {
		t.Fatalf("loaded=%v version=%d", c.Loaded(), c.Version())
	}
}

func TestLoadAllErrorKeepsPrevious(t *testing.T) {
	src := &stubLister{list: []market.Market{mk("a", market.StatusOpen)}}
	c := New(src, nil)
	if _, err := c.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.err = errors.New("timeout")
	if _, err := c.LoadAll(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := slugs(c.Snapshot()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("failed load should not touch the cache: %v", got)
	}
}

func TestPatchAndRemoveUnknownAreNoops(t *testing.T) {
	c := New(&stubLister{}, nil)
	c.PrependCreated(mk("a", market.StatusDraft))
	before := c.Version()

	if c.PatchOne("ghost", mk("ghost", market.StatusOpen)) {
		t.Fatalf("patch of unknown slug reported success")
	}
	if c.RemoveOne("ghost") {
		t.Fatalf("remove of unknown slug reported success")
	}
	if c.Version() != before {
		t.Fatalf("no-op changed version")
	}
	if _, ok := c.Get("ghost"); ok {
		t.Fatalf("patch must not insert")
	}
}

func TestPatchAfterRemoveDoesNotReinsert(t *testing.T) {
	c := New(&stubLister{}, nil)
	c.PrependCreated(mk("btc-100k", market.StatusOpen))
	c.RemoveOne("btc-100k")
	c.PatchOne("btc-100k", mk("btc-100k", market.StatusResolved))
	if _, ok := c.Get("btc-100k"); ok {
		t.Fatalf("stale patch reinserted a removed market")
	}
}

func TestRefetchIssuedBeforeRemovalDoesNotResurrect(t *testing.T) {
	src := &stubLister{
		list: []market.Market{mk("a", market.StatusOpen), mk("b", market.StatusOpen)},
		gate: make(chan struct{}),
	}
	c := New(src, nil)
	c.PrependCreated(mk("b", market.StatusOpen))
	c.PrependCreated(mk("a", market.StatusOpen))

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadAll(context.Background())
		done <- err
	}()
	for src.calls.Load() == 0 {
		runtime.Gosched()
	}
	c.RemoveOne("b")
	close(src.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := slugs(c.Snapshot()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("removed market came back: %v", got)
	}

	// A refetch issued after the removal is authoritative again.
	if _, err := c.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := slugs(c.Snapshot()); len(got) != 2 {
		t.Fatalf("later refetch should apply fully: %v", got)
	}
}

func TestConcurrentLoadAllShareRequest(t *testing.T) {
	src := &stubLister{list: []market.Market{mk("a", market.StatusOpen)}, gate: make(chan struct{})}
	c := New(src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.LoadAll(context.Background()); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	for src.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(src.gate)
	wg.Wait()
	if n := src.calls.Load(); n > 5 || n < 1 {
		t.Fatalf("unexpected call count %d", n)
	}
}

func TestPrependCreatedMovesExisting(t *testing.T) {
	c := New(&stubLister{}, nil)
	c.PrependCreated(mk("a", market.StatusDraft))
	c.PrependCreated(mk("b", market.StatusDraft))
	c.PrependCreated(mk("a", market.StatusOpen))
	got := c.Snapshot()
	if diff := pretty.Diff(slugs(got), []string{"a", "b"}); len(diff) > 0 {
		t.Fatalf("unexpected order: %v", diff)
	}
	if got[0].Status != market.StatusOpen {
		t.Fatalf("prepend should carry the new value")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New(&stubLister{}, nil)
	c.PrependCreated(market.Market{Slug: "a", Outcomes: []market.Outcome{{ID: 1, Name: "YES"}}})
	snap := c.Snapshot()
	snap[0].Outcomes[0].Name = "NO"
	snap[0].Title = "changed"
	got, _ := c.Get("a")
	if got.Outcomes[0].Name != "YES" || got.Title != "" {
		t.Fatalf("snapshot aliases cache state: %+v", got)
	}
}

func TestRandomOperationsKeepSlugsUniqueAndLastWriteWins(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := New(&stubLister{}, nil)
	want := map[string]string{}
	statuses := []market.Status{market.StatusDraft, market.StatusOpen, market.StatusClosed, market.StatusResolved}

	for i := 0; i < 2000; i++ {
		slug := fmt.Sprintf("m%d", rng.Intn(12))
		title := fmt.Sprintf("t%d", i)
		m := market.Market{Slug: slug, Title: title, Status: statuses[rng.Intn(len(statuses))]}
		switch rng.Intn(3) {
		case 0:
			c.PrependCreated(m)
			want[slug] = title
		case 1:
			if c.PatchOne(slug, m) {
				want[slug] = title
			}
		case 2:
			c.RemoveOne(slug)
			delete(want, slug)
		}

		snap := c.Snapshot()
		seen := map[string]bool{}
		for _, got := range snap {
			if seen[got.Slug] {
				t.Fatalf("step %d: duplicate slug %s", i, got.Slug)
			}
			seen[got.Slug] = true
			if want[got.Slug] != got.Title {
				t.Fatalf("step %d: %s has %s want %s", i, got.Slug, got.Title, want[got.Slug])
			}
		}
		if len(snap) != len(want) {
			t.Fatalf("step %d: cache has %d entries want %d", i, len(snap), len(want))
		}
	}
}

// scriptedLister serves one response per call; a non-nil gate holds that
// call until closed.
type scriptedLister struct {
	mu      sync.Mutex
	steps   []scriptedStep
	calls   atomic.Int32
	started chan int
}

type scriptedStep struct {
	list []market.Market
	gate chan struct{}
}

func (s *scriptedLister) ListMarkets(ctx context.Context) ([]market.Market, error) {
	i := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	step := s.steps[i]
	s.mu.Unlock()
	if s.started != nil {
		s.started <- i
	}
	if step.gate != nil {
		select {
		case <-step.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return step.list, nil
}

func TestRefreshNeverJoinsEarlierLoad(t *testing.T) {
	src := &scriptedLister{
		steps: []scriptedStep{
			{list: []market.Market{mk("a", market.StatusOpen)}, gate: make(chan struct{})},
			{list: []market.Market{mk("a", market.StatusResolved)}},
		},
		started: make(chan int, 2),
	}
	c := New(src, nil)

	early := make(chan error, 1)
	go func() {
		_, err := c.LoadAll(context.Background())
		early <- err
	}()
	<-src.started

	got, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != market.StatusResolved {
		t.Fatalf("refresh returned the earlier request's data: %+v", got)
	}

	// The earlier load completes last but was issued first; it must not
	// roll the cache back.
	close(src.steps[0].gate)
	if err := <-early; err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Get("a"); m.Status != market.StatusResolved {
		t.Fatalf("older load overwrote newer state: %s", m.Status)
	}
}

func TestLaterIssuedLoadWinsWhenCompletingLast(t *testing.T) {
	src := &scriptedLister{
		steps: []scriptedStep{
			{list: []market.Market{mk("a", market.StatusOpen)}, gate: make(chan struct{})},
			{list: []market.Market{mk("a", market.StatusClosed)}, gate: make(chan struct{})},
		},
		started: make(chan int, 2),
	}
	c := New(src, nil)

	first := make(chan error, 1)
	go func() {
		_, err := c.LoadAll(context.Background())
		first <- err
	}()
	<-src.started
	second := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		second <- err
	}()
	<-src.started

	close(src.steps[0].gate)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Get("a"); m.Status != market.StatusOpen {
		t.Fatalf("first completion should apply: %s", m.Status)
	}
	close(src.steps[1].gate)
	if err := <-second; err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Get("a"); m.Status != market.StatusClosed {
		t.Fatalf("later completion should win: %s", m.Status)
	}
}

func TestLoadIssuedBeforeLocalChangeKeepsIt(t *testing.T) {
	src := &scriptedLister{
		steps: []scriptedStep{
			{list: []market.Market{mk("a", market.StatusDraft)}, gate: make(chan struct{})},
		},
		started: make(chan int, 1),
	}
	c := New(src, nil)
	c.PrependCreated(mk("a", market.StatusDraft))

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadAll(context.Background())
		done <- err
	}()
	<-src.started
	c.PatchOne("a", mk("a", market.StatusOpen))
	c.PrependCreated(mk("new", market.StatusDraft))
	close(src.steps[0].gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if m, _ := c.Get("a"); m.Status != market.StatusOpen {
		t.Fatalf("patch made after the load was issued was rolled back: %s", m.Status)
	}
	if diff := pretty.Diff(slugs(c.Snapshot()), []string{"new", "a"}); len(diff) > 0 {
		t.Fatalf("newer insert dropped: %v", diff)
	}
}
