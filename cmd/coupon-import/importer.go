package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
)

const bloomFPR = 0.001

// couponSink receives coupon batches. *postgres.CouponRepository implements it.
type couponSink interface {
	UpsertCoupons(ctx context.Context, tenant catalog.TenantEnvironment, coupons []coupon.Coupon) error
}

type stats struct {
	Records    int
	Imported   int
	Duplicates int
	Malformed  int
	// Sample is the first imported code.
	Sample string
}

// importer loads gzip CSV coupon files into one tenant environment. Lines
// are code,type,value[,description[,validFrom[,validUntil]]] with RFC 3339
// timestamps; '#' starts a comment. Codes are unique ignoring case and the
// first occurrence across all files wins.
type importer struct {
	tenant    catalog.TenantEnvironment
	sink      couponSink
	batchSize int
	// expected sizes the bloom filter.
	expected uint
}

func (im *importer) Run(ctx context.Context, files []string) (stats, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return stats{}, errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("pass 1: finding duplicate candidates", slog.Int("files", len(files)))
	candidates, err := im.duplicateCandidates(ctx, files)
	if err != nil {
		return stats{}, errors.Wrap(err, "find duplicate candidates")
	}
	slog.Info("pass 1 complete", slog.Int("candidates", len(candidates)))

	slog.Info("pass 2: importing")
	return im.load(ctx, files, candidates)
}

// duplicateCandidates returns every code the bloom filter has seen before.
// It contains all real duplicates plus a few false positives, which pass 2
// resolves exactly.
func (im *importer) duplicateCandidates(ctx context.Context, files []string) (map[string]struct{}, error) {
	filter := bloom.NewWithEstimates(max(im.expected, 1024), bloomFPR)
	candidates := make(map[string]struct{})
	for _, f := range files {
		if err := streamRecords(ctx, f, func(fields []string) {
			key := normalize(fields[0])
			if key != "" && filter.TestAndAddString(key) {
				candidates[key] = struct{}{}
			}
		}); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func (im *importer) load(ctx context.Context, files []string, candidates map[string]struct{}) (stats, error) {
	var st stats
	batches := make(chan []coupon.Coupon)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		emitted := make(map[string]struct{}, len(candidates))
		batch := make([]coupon.Coupon, 0, im.batchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			batch = make([]coupon.Coupon, 0, im.batchSize)
			return nil
		}

		for _, f := range files {
			var sendErr error
			err := streamRecords(gctx, f, func(fields []string) {
				if sendErr != nil {
					return
				}
				st.Records++
				c, err := im.parse(fields)
				if err != nil {
					st.Malformed++
					slog.Warn("skipping malformed coupon", slog.String("file", f), slog.String("error", err.Error()))
					return
				}
				key := normalize(c.Code)
				if _, maybeDup := candidates[key]; maybeDup {
					if _, seen := emitted[key]; seen {
						st.Duplicates++
						return
					}
					emitted[key] = struct{}{}
				}
				if st.Sample == "" {
					st.Sample = c.Code
				}
				batch = append(batch, c)
				if len(batch) == im.batchSize {
					sendErr = flush()
				}
			})
			if err != nil {
				return err
			}
			if sendErr != nil {
				return sendErr
			}
		}
		return flush()
	})

	g.Go(func() error {
		for b := range batches {
			if err := im.sink.UpsertCoupons(gctx, im.tenant, b); err != nil {
				return errors.Wrap(err, "upsert batch")
			}
			st.Imported += len(b)
			slog.Info("write progress", slog.Int("imported", st.Imported))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, nil
}

func (im *importer) parse(fields []string) (coupon.Coupon, error) {
	if len(fields) < 3 {
		return coupon.Coupon{}, errors.Errorf("want at least 3 fields, got %d", len(fields))
	}
	code := strings.TrimSpace(fields[0])
	if code == "" {
		return coupon.Coupon{}, errors.New("empty code")
	}

	c := coupon.Coupon{
		ID:           couponID(im.tenant, code),
		Code:         code,
		DiscountType: coupon.DiscountType(strings.TrimSpace(fields[1])),
	}
	value, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
	if err != nil {
		return coupon.Coupon{}, errors.Wrapf(err, "code %s: value", code)
	}
	c.Value = value

	switch c.DiscountType {
	case coupon.DiscountPercentage:
		if !value.IsPositive() || value.GreaterThan(decimal.NewFromInt(100)) {
			return coupon.Coupon{}, errors.Errorf("code %s: percentage %s out of range", code, value)
		}
	case coupon.DiscountFixed:
		if !value.IsPositive() || !value.IsInteger() {
			return coupon.Coupon{}, errors.Errorf("code %s: fixed discount must be positive minor units", code)
		}
	default:
		return coupon.Coupon{}, errors.Errorf("code %s: unknown discount type %q", code, c.DiscountType)
	}

	if len(fields) > 3 {
		c.Description = strings.TrimSpace(fields[3])
	}
	if c.ValidFrom, err = optionalTime(fields, 4); err != nil {
		return coupon.Coupon{}, errors.Wrapf(err, "code %s: validFrom", code)
	}
	if c.ValidUntil, err = optionalTime(fields, 5); err != nil {
		return coupon.Coupon{}, errors.Wrapf(err, "code %s: validUntil", code)
	}
	return c, nil
}

func optionalTime(fields []string, i int) (*time.Time, error) {
	if len(fields) <= i || strings.TrimSpace(fields[i]) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[i]))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// couponID is stable per tenant and code, so re-imports keep ids.
func couponID(tenant catalog.TenantEnvironment, code string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenant.String()+"/"+normalize(code))).String()
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// streamRecords calls fn for every CSV record of a gzip file.
func streamRecords(ctx context.Context, path string, fn func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		fn(fields)
	}
}
