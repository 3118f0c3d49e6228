package retrypolicy_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/retrypolicy"
)

func TestBackoff_Deterministic_SameSeedSameResult(t *testing.T) {
	table := retrypolicy.NewTable()
	rng1 := rand.New(rand.NewSource(42))
	rng2 := rand.New(rand.NewSource(42))

	d1 := table.Backoff(domain.KindEmbedding, 2, rng1)
	d2 := table.Backoff(domain.KindEmbedding, 2, rng2)
	if d1 != d2 {
		t.Errorf("same seed produced different backoffs: %v vs %v", d1, d2)
	}
}

func TestBackoff_BoundedByMax(t *testing.T) {
	table := retrypolicy.NewTable()
	rng := rand.New(rand.NewSource(1))
	for _, kind := range []domain.Kind{
		domain.KindObservation, domain.KindSummarize, domain.KindEmbedding,
		domain.KindVectorSync, domain.KindDocGen, domain.KindContextGen,
		domain.KindSemanticSearch, domain.KindCompression,
	} {
		params := table.Params(kind)
		for retry := 0; retry < 20; retry++ {
			d := table.Backoff(kind, retry, rng)
			maxAllowed := time.Duration(float64(params.Max) * (1 + params.Jitter))
			if d > maxAllowed {
				t.Errorf("%s retry=%d: backoff %v exceeds max*(1+jitter) %v", kind, retry, d, maxAllowed)
			}
			if d < 0 {
				t.Errorf("%s retry=%d: backoff %v is negative", kind, retry, d)
			}
		}
	}
}

// P4: retry_after >= previous_attempt_end + base*(1-f) and
// <= previous_attempt_end + base*mult^retryCount*(1+f), clamped to max.
func TestBackoff_WithinSpecBounds(t *testing.T) {
	table := retrypolicy.NewTable()
	rng := rand.New(rand.NewSource(7))
	params := table.Params(domain.KindEmbedding)

	for retryCount := 0; retryCount < 6; retryCount++ {
		d := table.Backoff(domain.KindEmbedding, retryCount, rng)

		expectedBase := float64(params.Base)
		for i := 0; i < retryCount; i++ {
			expectedBase *= params.Multiplier
			if expectedBase >= float64(params.Max) {
				expectedBase = float64(params.Max)
				break
			}
		}
		lower := time.Duration(expectedBase * (1 - params.Jitter))
		upper := time.Duration(expectedBase * (1 + params.Jitter))
		if upper > params.Max {
			upper = params.Max
		}
		if d < lower-time.Millisecond || d > upper+time.Millisecond {
			t.Errorf("retryCount=%d: backoff %v outside [%v, %v]", retryCount, d, lower, upper)
		}
	}
}

func TestTable_Override(t *testing.T) {
	table := retrypolicy.NewTable()
	table.Override(domain.KindObservation, retrypolicy.Params{
		Base: time.Second, Max: 10 * time.Second, Multiplier: 3, Jitter: 0,
	})
	rng := rand.New(rand.NewSource(9))
	d := table.Backoff(domain.KindObservation, 0, rng)
	if d != time.Second {
		t.Errorf("overridden backoff at retry 0 = %v, want 1s (jitter=0)", d)
	}
}

func TestTable_UnknownKindFallsBackToObservationDefaults(t *testing.T) {
	table := retrypolicy.NewTable()
	p := table.Params(domain.Kind("unknown"))
	want := table.Params(domain.KindObservation)
	if p != want {
		t.Errorf("Params(unknown) = %+v, want observation defaults %+v", p, want)
	}
}

func TestTable_ReplaceAllSwapsEveryKind(t *testing.T) {
	table := retrypolicy.NewTable()
	replacement := retrypolicy.NewTable()
	replacement.Override(domain.KindSummarize, retrypolicy.Params{
		Base: 9 * time.Second, Max: 99 * time.Second, Multiplier: 4, Jitter: 0,
	})

	table.ReplaceAll(replacement)

	got := table.Params(domain.KindSummarize)
	if got.Base != 9*time.Second || got.Max != 99*time.Second || got.Multiplier != 4 {
		t.Fatalf("Params(summarize) = %+v, want replacement's override", got)
	}
}

func TestTable_ReplaceAllIsConcurrencySafe(t *testing.T) {
	table := retrypolicy.NewTable()
	rng := rand.New(rand.NewSource(3))
	done := make(chan struct{})

	go func() {
		for i := 0; i < 200; i++ {
			table.ReplaceAll(retrypolicy.NewTable())
		}
		close(done)
	}()

	for i := 0; i < 200; i++ {
		table.Backoff(domain.KindObservation, i%5, rng)
	}
	<-done
}
