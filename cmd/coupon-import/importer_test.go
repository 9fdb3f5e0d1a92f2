package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]coupon.Coupon
	err     error
}

func (s *fakeSink) UpsertCoupons(_ context.Context, _ catalog.TenantEnvironment, coupons []coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]coupon.Coupon(nil), coupons...))
	return nil
}

func (s *fakeSink) all() map[string]coupon.Coupon {
	out := make(map[string]coupon.Coupon)
	for _, b := range s.batches {
		for _, c := range b {
			out[c.Code] = c
		}
	}
	return out
}

func writeGz(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

var tenant = catalog.TenantEnvironment{EnvironmentID: "dev", TenantID: "tenant1"}

func TestImporter_Run(t *testing.T) {
	first := writeGz(t, "a.csv.gz", `# winter batch
WINTER20,percentage,20,Winter sale
FIVEOFF,fixed,500,"£5 off, any order"
SUMMER10,percentage,10,,2024-06-01T00:00:00Z,2024-09-01T00:00:00Z
BROKEN,percentage,not-a-number
`)
	second := writeGz(t, "b.csv.gz", `summer10,percentage,50,duplicate ignoring case
TOOMUCH,percentage,150
NOVEL,fixed,250
WINTER20,fixed,100,duplicate
`)

	sink := &fakeSink{}
	im := &importer{tenant: tenant, sink: sink, batchSize: 2, expected: 100}
	st, err := im.Run(context.Background(), []string{first, second})
	require.NoError(t, err)

	assert.Equal(t, 8, st.Records)
	assert.Equal(t, 4, st.Imported)
	assert.Equal(t, 2, st.Duplicates)
	assert.Equal(t, 2, st.Malformed)
	assert.Equal(t, "WINTER20", st.Sample)

	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), 2)
	}

	got := sink.all()
	require.Len(t, got, 4)
	assert.Equal(t, "Winter sale", got["WINTER20"].Description)
	assert.Equal(t, coupon.DiscountPercentage, got["WINTER20"].DiscountType)
	assert.Equal(t, "£5 off, any order", got["FIVEOFF"].Description)
	assert.Equal(t, "10", got["SUMMER10"].Value.String())
	require.NotNil(t, got["SUMMER10"].ValidUntil)
	assert.Equal(t, 2024, got["SUMMER10"].ValidUntil.Year())
	assert.Contains(t, got, "NOVEL")
}

func TestImporter_StableIDs(t *testing.T) {
	assert.Equal(t, couponID(tenant, "Winter20"), couponID(tenant, " WINTER20"))
	other := catalog.TenantEnvironment{EnvironmentID: "prod", TenantID: "tenant1"}
	assert.NotEqual(t, couponID(tenant, "WINTER20"), couponID(other, "WINTER20"))
}

func TestImporter_SinkFailure(t *testing.T) {
	path := writeGz(t, "a.csv.gz", "A1,fixed,100\nA2,fixed,100\nA3,fixed,100\n")
	im := &importer{tenant: tenant, sink: &fakeSink{err: errors.New("connection reset")}, batchSize: 1, expected: 10}

	_, err := im.Run(context.Background(), []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestImporter_MissingFile(t *testing.T) {
	im := &importer{tenant: tenant, sink: &fakeSink{}, batchSize: 10}
	_, err := im.Run(context.Background(), []string{filepath.Join(t.TempDir(), "nope.gz")})
	require.Error(t, err)
}

func TestImporter_Parse(t *testing.T) {
	im := &importer{tenant: tenant}
	tests := []struct {
		name    string
		fields  []string
		wantErr bool
	}{
		{name: "percentage", fields: []string{"P", "percentage", "100"}},
		{name: "fixed", fields: []string{"F", "fixed", "1"}},
		{name: "too few fields", fields: []string{"P", "percentage"}, wantErr: true},
		{name: "empty code", fields: []string{" ", "fixed", "1"}, wantErr: true},
		{name: "zero percent", fields: []string{"P", "percentage", "0"}, wantErr: true},
		{name: "fractional fixed", fields: []string{"F", "fixed", "1.5"}, wantErr: true},
		{name: "unknown type", fields: []string{"B", "bogo", "1"}, wantErr: true},
		{name: "bad timestamp", fields: []string{"F", "fixed", "1", "", "tomorrow"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := im.parse(tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
