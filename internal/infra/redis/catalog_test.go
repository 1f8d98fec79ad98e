package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-battle-service/internal/domain"
)

type countingLoader struct {
	mu    sync.Mutex
	calls int
	units []domain.ContentUnit
}

func (l *countingLoader) LoadUnits(_ context.Context, subject string, _ int) ([]domain.ContentUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	var out []domain.ContentUnit
	for _, u := range l.units {
		if u.Subject == subject {
			out = append(out, u)
		}
	}
	return out, nil
}

func (l *countingLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func catalogUnits() []domain.ContentUnit {
	return []domain.ContentUnit{
		{
			ID: "u1", Subject: "math", GradeLevel: 2,
			Questions: []domain.Question{{Prompt: "2+2", Options: []string{"3", "4"}, Correct: 1}},
		},
		{
			ID: "u2", Subject: "reading", GradeLevel: 2,
			Questions: []domain.Question{{Prompt: "spell cat", Options: []string{"cat", "kat"}, Correct: 0}},
		},
	}
}

func TestCatalogCachesLookups(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{units: catalogUnits()}
	catalog := NewUnitCatalog(newTestClient(t), loader, time.Hour)

	first, err := catalog.FindUnits(ctx, "math", 2)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if len(first) != 1 || first[0].ID != "u1" {
		t.Fatalf("unexpected units: %+v", first)
	}

	second, err := catalog.FindUnits(ctx, "math", 2)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("cached lookup lost units: %+v", second)
	}
	if loader.Calls() != 1 {
		t.Fatalf("expected a single backing load, got %d", loader.Calls())
	}
}

func TestCatalogKeysPerSubjectAndGrade(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{units: catalogUnits()}
	catalog := NewUnitCatalog(newTestClient(t), loader, time.Hour)

	if _, err := catalog.FindUnits(ctx, "math", 2); err != nil {
		t.Fatalf("math g2: %v", err)
	}
	if _, err := catalog.FindUnits(ctx, "math", 3); err != nil {
		t.Fatalf("math g3: %v", err)
	}
	if _, err := catalog.FindUnits(ctx, "reading", 2); err != nil {
		t.Fatalf("reading g2: %v", err)
	}
	if loader.Calls() != 3 {
		t.Fatalf("distinct subject/grade pairs must each load once, got %d calls", loader.Calls())
	}
}

func TestCatalogSingleflightCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{units: catalogUnits()}
	catalog := NewUnitCatalog(newTestClient(t), loader, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := catalog.FindUnits(ctx, "reading", 2); err != nil {
				t.Errorf("lookup: %v", err)
			}
		}()
	}
	wg.Wait()

	// Concurrent cold lookups may race the cache fill, but singleflight keeps
	// the count far below the request count.
	if loader.Calls() > 2 {
		t.Fatalf("cold stampede hit the loader %d times", loader.Calls())
	}
}
