package rowsource

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/airframesio/legacy-extractor/cmd/catalog"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

var (
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrSimulatedFault = errors.New("simulated bridge timeout")
)

// FakeEntity describes one generated table or view.
type FakeEntity struct {
	Name string
	Kind manifest.Kind
	Rows int64
}

// FakeOptions tune the generated source.
type FakeOptions struct {
	Seed       int64
	BufferRows int
	// FaultRate is the chance that a read or count fails part way.
	FaultRate float64
}

var fakeColumns = []manifest.Column{
	{Name: "ID", Position: 1, Type: "NUMBER"},
	{Name: "NAME", Position: 2, Type: "VARCHAR2"},
	{Name: "EMAIL", Position: 3, Type: "VARCHAR2"},
	{Name: "CITY", Position: 4, Type: "VARCHAR2"},
	{Name: "AMOUNT", Position: 5, Type: "NUMBER"},
	{Name: "CREATED_AT", Position: 6, Type: "DATE"},
}

// FakeSource generates deterministic rows with gofakeit. It backs the
// "fake" driver used for dry runs and demos.
type FakeSource struct {
	entities []FakeEntity
	byName   map[string]FakeEntity
	opts     FakeOptions

	mu     sync.Mutex
	faults *gofakeit.Faker
}

func NewFakeSource(entities []FakeEntity, opts FakeOptions) *FakeSource {
	byName := make(map[string]FakeEntity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}
	return &FakeSource{
		entities: entities,
		byName:   byName,
		opts:     opts,
		faults:   gofakeit.New(opts.Seed + 1),
	}
}

// GenerateFakeEntities invents count entities with row counts in
// [minRows, maxRows]. Roughly one in five is a view.
func GenerateFakeEntities(count int, minRows, maxRows int, seed int64) []FakeEntity {
	faker := gofakeit.New(seed)
	seen := make(map[string]bool)
	out := make([]FakeEntity, 0, count)
	for len(out) < count {
		name := strings.ToUpper(strings.ReplaceAll(faker.Noun(), " ", "_"))
		kind := manifest.KindTable
		if faker.Number(1, 5) == 1 {
			kind = manifest.KindView
			name = "V_" + name
		}
		if seen[name] {
			name = fmt.Sprintf("%s_%d", name, len(out))
		}
		seen[name] = true
		out = append(out, FakeEntity{
			Name: name,
			Kind: kind,
			Rows: int64(faker.Number(minRows, maxRows)),
		})
	}
	return out
}

// Enumerate lets the fake source stand in for the catalog.
func (s *FakeSource) Enumerate(ctx context.Context) ([]catalog.Entity, error) {
	out := make([]catalog.Entity, len(s.entities))
	for i, e := range s.entities {
		out[i] = catalog.Entity{Name: e.Name, Kind: e.Kind}
	}
	return out, nil
}

func (s *FakeSource) lookup(entity string) (FakeEntity, error) {
	e, ok := s.byName[entity]
	if !ok {
		return FakeEntity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return e, nil
}

func (s *FakeSource) fault() bool {
	if s.opts.FaultRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults.Float64Range(0, 1) < s.opts.FaultRate
}

func (s *FakeSource) Discover(ctx context.Context, entity string) (Discovery, error) {
	if _, err := s.lookup(entity); err != nil {
		return Discovery{}, err
	}
	cols := make([]manifest.Column, len(fakeColumns))
	copy(cols, fakeColumns)
	return Discovery{Columns: cols, Strategy: StrategyDirect}, nil
}

func (s *FakeSource) Count(ctx context.Context, entity string) (int64, error) {
	e, err := s.lookup(entity)
	if err != nil {
		return 0, err
	}
	if s.fault() {
		return 0, ErrSimulatedFault
	}
	return e.Rows, nil
}

func (s *FakeSource) Read(ctx context.Context, rec manifest.EntityRecord) (Rows, error) {
	e, err := s.lookup(rec.Name)
	if err != nil {
		return nil, err
	}

	failAt := int64(-1)
	if e.Rows > 0 && s.fault() {
		failAt = e.Rows / 2
	}

	qctx, cancel := context.WithCancel(ctx)
	stream := NewStream(s.opts.BufferRows)
	done := make(chan struct{})
	go func() {
		defer close(done)
		faker := gofakeit.New(s.opts.Seed + seedFor(e.Name))
		for i := int64(0); i < e.Rows; i++ {
			if err := qctx.Err(); err != nil {
				stream.Fail(err)
				return
			}
			if i == failAt {
				stream.Fail(fmt.Errorf("%w after %d rows", ErrSimulatedFault, i))
				return
			}
			row := Row{
				i + 1,
				faker.Name(),
				faker.Email(),
				faker.City(),
				faker.Price(1, 10000),
				faker.Date(),
			}
			if !stream.Push(project(row, rec.Columns)) {
				return
			}
		}
		stream.End()
	}()
	stream.OnClose(func() {
		cancel()
		<-done
	})
	return stream, nil
}

// project keeps the values of the recorded columns, in their order.
func project(row Row, columns []manifest.Column) Row {
	if len(columns) == 0 || len(columns) == len(fakeColumns) {
		return row
	}
	out := make(Row, 0, len(columns))
	for _, c := range columns {
		for i, fc := range fakeColumns {
			if strings.EqualFold(fc.Name, c.Name) {
				out = append(out, row[i])
				break
			}
		}
	}
	return out
}

func seedFor(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}

func (s *FakeSource) Close() error {
	return nil
}
