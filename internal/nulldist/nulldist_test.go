package nulldist

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestBaseRanks(t *testing.T) {
	got := BaseRanks(4)
	want := []float64{0.125, 0.375, 0.625, 0.875}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BaseRanks mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, Key{Empirical, 5, 20, 10}.Validate())
	assert.Error(t, Key{"bogus", 5, 20, 10}.Validate())
	assert.Error(t, Key{Empirical, 0, 20, 10}.Validate())
	assert.Error(t, Key{Empirical, 21, 20, 10}.Validate())
	assert.Error(t, Key{Parametric, 5, 20, 0}.Validate())
}

func TestKeyFilenameDistinct(t *testing.T) {
	keys := []Key{
		{Empirical, 5, 20, 100},
		{Parametric, 5, 20, 100},
		{Empirical, 52, 0, 100},
		{Empirical, 5, 201, 0},
		{Empirical, 5, 20, 1000},
	}
	seen := map[string]Key{}
	for _, k := range keys {
		name := k.Filename()
		if prev, ok := seen[name]; ok {
			t.Fatalf("keys %v and %v share filename %s", prev, k, name)
		}
		seen[name] = k
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Empirical, s)
	s, err = ParseStrategy("parametric")
	require.NoError(t, err)
	assert.Equal(t, Parametric, s)
	_, err = ParseStrategy("normal")
	assert.Error(t, err)
}

func TestGenerateEmpirical(t *testing.T) {
	key := Key{Strategy: Empirical, MaxSize: 6, Genes: 6, Iterations: 300}
	d, err := Generate(context.Background(), key, GenerateOptions{Seed: 7, BatchSize: 64})
	require.NoError(t, err)

	base := BaseRanks(key.Genes)
	singles := map[float64]bool{}
	for _, b := range base {
		singles[math.Min(b, 1-b)] = true
	}

	for k := 1; k <= key.MaxSize; k++ {
		row := d.Row(k)
		require.Len(t, row, key.Iterations)
		assert.True(t, sort.Float64sAreSorted(row), "row %d not sorted", k)
		for _, v := range row {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 0.5+1e-12)
		}
	}
	for _, v := range d.Row(1) {
		assert.True(t, singles[v], "size-1 statistic %v is not a base rank", v)
	}
	// Drawing every gene always averages to 0.5.
	for _, v := range d.Row(key.MaxSize) {
		assert.InDelta(t, 0.5, v, 1e-12)
	}

	assert.Nil(t, d.Row(0))
	assert.Nil(t, d.Row(key.MaxSize+1))
	assert.True(t, math.IsNaN(d.StdDev(1)))
}

func TestGenerateSeededIsReproducible(t *testing.T) {
	key := Key{Strategy: Empirical, MaxSize: 4, Genes: 50, Iterations: 500}
	a, err := Generate(context.Background(), key, GenerateOptions{Seed: 99, Workers: 1, BatchSize: 50})
	require.NoError(t, err)
	b, err := Generate(context.Background(), key, GenerateOptions{Seed: 99, Workers: 8, BatchSize: 50})
	require.NoError(t, err)
	if diff := cmp.Diff(a.rows, b.rows); diff != "" {
		t.Errorf("seeded runs differ across worker counts:\n%s", diff)
	}

	c, err := Generate(context.Background(), key, GenerateOptions{Seed: 100, BatchSize: 50})
	require.NoError(t, err)
	assert.NotEqual(t, a.rows, c.rows)
}

func TestGenerateParametric(t *testing.T) {
	key := Key{Strategy: Parametric, MaxSize: 20, Genes: 20, Iterations: 4000}
	d, err := Generate(context.Background(), key, GenerateOptions{Seed: 3, BatchSize: 256})
	require.NoError(t, err)

	// Size 1 draws a single base rank uniformly: population sd of the base ranks.
	want := stat.PopStdDev(BaseRanks(key.Genes), nil)
	assert.InDelta(t, want, d.StdDev(1), 0.02)
	assert.InDelta(t, 0, d.StdDev(key.MaxSize), 1e-9)
	assert.Greater(t, d.StdDev(2), d.StdDev(10))
	assert.Nil(t, d.Row(1))
	assert.True(t, math.IsNaN(d.StdDev(0)))
}

func TestMergeStdDevMatchesPooled(t *testing.T) {
	xs := []float64{0.1, 0.4, 0.35, 0.9, 0.2, 0.75, 0.6}
	split := [][]float64{xs[:2], xs[2:3], xs[3:]}

	moments := make([]batchMoments, len(split))
	for i, part := range split {
		mu, v := stat.PopMeanVariance(part, nil)
		n := float64(len(part))
		moments[i] = batchMoments{n: n, mean: []float64{mu}, m2: []float64{v * n}}
	}
	got := mergeStdDev(moments, 1)
	assert.InDelta(t, stat.PopStdDev(xs, nil), got[0], 1e-12)
}

func TestGenerateTooLarge(t *testing.T) {
	key := Key{Strategy: Empirical, MaxSize: 10, Genes: 100, Iterations: 1000}
	_, err := Generate(context.Background(), key, GenerateOptions{MaxCells: 5000})
	assert.ErrorIs(t, err, ErrTooLarge)

	// The cap only bounds the empirical array.
	key.Strategy = Parametric
	key.Iterations = 10
	_, err = Generate(context.Background(), key, GenerateOptions{MaxCells: 5})
	assert.NoError(t, err)
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Generate(ctx, Key{Strategy: Empirical, MaxSize: 3, Genes: 10, Iterations: 100}, GenerateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeDecode(t *testing.T) {
	key := Key{Strategy: Empirical, MaxSize: 2, Genes: 10, Iterations: 3}
	d, err := FromRows(key, [][]float64{{0.3, 0.1, 0.2}, {0.05, 0.4, 0.25}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))

	got, err := Decode(bytes.NewReader(buf.Bytes()), key, "test")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, got.Row(1))
	assert.Equal(t, []float64{0.05, 0.25, 0.4}, got.Row(2))

	other := key
	other.Genes = 11
	_, err = Decode(bytes.NewReader(buf.Bytes()), other, "test")
	var cae *CorruptArtifactError
	require.ErrorAs(t, err, &cae)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, cae.Reason, "shape mismatch")

	_, err = Decode(bytes.NewReader([]byte("not an artifact")), key, "test")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(bytes.NewReader(buf.Bytes()[:buf.Len()/2]), key, "test")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := Key{Strategy: Parametric, MaxSize: 3, Genes: 10, Iterations: 50}
	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := FromStdDev(key, []float64{0.3, 0.2, 0.1})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, d))

	got, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.StdDev(2))

	require.NoError(t, os.WriteFile(s.Path(key), []byte("garbage"), 0o644))
	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	defer s.Close()

	key := Key{Strategy: Empirical, MaxSize: 1, Genes: 4, Iterations: 2}
	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := FromRows(key, [][]float64{{0.375, 0.125}})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, d))

	got, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.125, 0.375}, got.Row(1))

	require.NoError(t, s.Put(key, []byte{1, 2, 3}))
	_, err = s.Load(ctx, key)
	assert.ErrorIs(t, err, ErrCorrupt)
}

type countingStore struct {
	Store
	loads atomic.Int32
	saves atomic.Int32
}

func (c *countingStore) Load(ctx context.Context, key Key) (*Distribution, error) {
	c.loads.Add(1)
	return c.Store.Load(ctx, key)
}

func (c *countingStore) Save(ctx context.Context, d *Distribution) error {
	c.saves.Add(1)
	return c.Store.Save(ctx, d)
}

func TestCacheMemoisesAndPersists(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &countingStore{Store: fs}

	c, err := NewCache(store, CacheConfig{Generate: GenerateOptions{Seed: 1}})
	require.NoError(t, err)

	key := Key{Strategy: Empirical, MaxSize: 3, Genes: 12, Iterations: 200}

	var wg sync.WaitGroup
	results := make([]*Distribution, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Get(ctx, key)
			assert.NoError(t, err)
			results[i] = d
		}()
	}
	wg.Wait()
	for _, d := range results {
		assert.Same(t, results[0], d)
	}
	assert.Equal(t, int32(1), store.loads.Load())
	assert.Equal(t, int32(1), store.saves.Load())

	// A fresh cache over the same store loads the artifact instead of regenerating.
	c2, err := NewCache(store, CacheConfig{})
	require.NoError(t, err)
	d, err := c2.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, results[0].rows, d.rows)
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestCacheCorruptPolicy(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	key := Key{Strategy: Parametric, MaxSize: 2, Genes: 5, Iterations: 20}
	require.NoError(t, os.WriteFile(fs.Path(key), []byte("garbage"), 0o644))

	failing, err := NewCache(fs, CacheConfig{OnCorrupt: Fail})
	require.NoError(t, err)
	_, err = failing.Get(ctx, key)
	var cae *CorruptArtifactError
	assert.True(t, errors.As(err, &cae))

	regen, err := NewCache(fs, CacheConfig{OnCorrupt: Regenerate})
	require.NoError(t, err)
	d, err := regen.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, d.Key())

	// The artifact was overwritten with a good one.
	_, err = fs.Load(ctx, key)
	assert.NoError(t, err)

	_, err = NewCache(fs, CacheConfig{OnCorrupt: "ignore"})
	assert.Error(t, err)
}

// gatedStore blocks every Load until release is closed.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Load(ctx context.Context, key Key) (*Distribution, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil, ErrNotFound
}

func (g *gatedStore) Save(ctx context.Context, d *Distribution) error { return nil }

func TestCacheCancelledCallerDoesNotFailOthers(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := NewCache(store, CacheConfig{Generate: GenerateOptions{Seed: 3}})
	require.NoError(t, err)
	key := Key{Strategy: Parametric, MaxSize: 3, Genes: 30, Iterations: 100}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, key)
		errA <- err
	}()
	<-store.entered

	type result struct {
		d   *Distribution
		err error
	}
	resB := make(chan result, 1)
	go func() {
		d, err := c.Get(context.Background(), key)
		resB <- result{d, err}
	}()

	// A returns as soon as it is cancelled, while the build is still blocked.
	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared build")
	}

	close(store.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, key, r.d.Key())
	case <-time.After(30 * time.Second):
		t.Fatal("second caller never received the distribution")
	}
	assert.Equal(t, 1, c.Len())
}
