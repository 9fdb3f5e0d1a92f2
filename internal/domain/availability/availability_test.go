package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/slotbook/internal/demo"
	"github.com/xenking/slotbook/internal/domain/admission"
	"github.com/xenking/slotbook/internal/domain/availability"
	"github.com/xenking/slotbook/internal/domain/catalog"
)

type mockReader struct {
	reserved map[string]int
	claims   []admission.ResourceClaim
}

func (m *mockReader) ReservedCounts(_ context.Context, keys []catalog.CapacityKey) (map[string]int, error) {
	out := make(map[string]int)
	for _, k := range keys {
		if n, ok := m.reserved[k.String()]; ok {
			out[k.String()] = n
		}
	}
	return out, nil
}

func (m *mockReader) ResourceClaims(context.Context, catalog.TenantEnvironment, time.Time, time.Time) ([]admission.ResourceClaim, error) {
	return m.claims, nil
}

var monday = time.Date(2024, 12, 23, 0, 0, 0, 0, time.UTC)

func TestLister_List(t *testing.T) {
	cat := demo.CarWashCatalog()
	full := catalog.CapacityKey{
		Tenant:     demo.CarWash,
		LocationID: demo.London,
		Date:       monday,
		SlotKey:    demo.FourToSix,
	}
	half := full
	half.SlotKey = demo.NineToOne

	l := availability.NewLister(&mockReader{reserved: map[string]int{
		full.String(): 2,
		half.String(): 1,
	}})
	slots, err := l.List(context.Background(), cat, availability.Query{
		ServiceID:  demo.SmallCarWash,
		LocationID: demo.London,
		From:       monday,
		To:         monday.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Len(t, slots, 6)

	got := make(map[string]int)
	for _, s := range slots {
		got[s.Date+" "+s.TimeslotID] = s.Remaining
		assert.True(t, s.Price.Equal(cat.Services[0].Price))
	}
	assert.Equal(t, map[string]int{
		"2024-12-23 nineToOne": 1,
		"2024-12-23 oneToFour": 2,
		"2024-12-23 fourToSix": 0,
		"2024-12-24 nineToOne": 2,
		"2024-12-24 oneToFour": 2,
		"2024-12-24 fourToSix": 2,
	}, got)
	assert.Equal(t, "09:00", slots[0].Start)
	assert.Equal(t, "13:00", slots[0].End)
}

func TestLister_SharedTimeslotAcrossServices(t *testing.T) {
	cat := demo.CarWashCatalog()
	cat.Timeslots = append(cat.Timeslots, catalog.Timeslot{
		ID:         "largeEvening",
		LocationID: demo.London,
		ServiceID:  demo.LargeCarWash,
		Window:     catalog.Window{Start: catalog.MustTime("16:00"), End: catalog.MustTime("18:00")},
		Capacity:   1,
	})
	shared := catalog.CapacityKey{Tenant: demo.CarWash, LocationID: demo.London, Date: monday, SlotKey: demo.NineToOne}
	own := catalog.CapacityKey{
		Tenant: demo.CarWash, ServiceID: demo.LargeCarWash, LocationID: demo.London,
		Date: monday, SlotKey: "largeEvening",
	}
	l := availability.NewLister(&mockReader{reserved: map[string]int{
		shared.String(): 2,
		own.String():    1,
	}})

	tests := []struct {
		service string
		want    map[string]int
	}{
		{demo.SmallCarWash, map[string]int{"nineToOne": 0, "oneToFour": 2, "fourToSix": 2}},
		{demo.MediumCarWash, map[string]int{"nineToOne": 0, "oneToFour": 2, "fourToSix": 2}},
		{demo.LargeCarWash, map[string]int{"nineToOne": 0, "oneToFour": 2, "fourToSix": 2, "largeEvening": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			slots, err := l.List(context.Background(), cat, availability.Query{
				ServiceID: tt.service, LocationID: demo.London, From: monday, To: monday,
			})
			require.NoError(t, err)
			got := make(map[string]int)
			for _, s := range slots {
				got[s.TimeslotID] = s.Remaining
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLister_ListChecksResources(t *testing.T) {
	cat := demo.GymCatalog()
	saturday := monday.AddDate(0, 0, 5)
	cat.Timeslots = append(cat.Timeslots, catalog.Timeslot{
		ID:         "earlyPT",
		LocationID: demo.Ware,
		ServiceID:  demo.PersonalTraining,
		Window:     catalog.Window{Start: catalog.MustTime("09:00"), End: catalog.MustTime("10:00")},
		Capacity:   2,
		Days:       []time.Weekday{time.Saturday},
	})
	q := availability.Query{
		ServiceID:  demo.PersonalTraining,
		LocationID: demo.Ware,
		From:       saturday,
		To:         saturday.AddDate(0, 0, 1),
	}

	slots, err := availability.NewLister(&mockReader{}).List(context.Background(), cat, q)
	require.NoError(t, err)
	require.Len(t, slots, 1, "Sunday is not one of the slot's days")
	assert.Equal(t, 2, slots[0].Remaining)

	busy := &mockReader{claims: []admission.ResourceClaim{{
		Tenant:     demo.Gym,
		ResourceID: demo.PTMike,
		Date:       saturday,
		Window:     catalog.Window{Start: catalog.MustTime("09:30"), End: catalog.MustTime("10:30")},
	}}}
	slots, err = availability.NewLister(busy).List(context.Background(), cat, q)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Zero(t, slots[0].Remaining)
}

func TestLister_ListErrors(t *testing.T) {
	cat := demo.CarWashCatalog()
	l := availability.NewLister(&mockReader{})

	tests := []struct {
		name string
		q    availability.Query
		want error
	}{
		{
			name: "unknown service",
			q:    availability.Query{ServiceID: "nope", LocationID: demo.London, From: monday, To: monday},
			want: availability.ErrUnknownService,
		},
		{
			name: "unknown location",
			q:    availability.Query{ServiceID: demo.SmallCarWash, LocationID: "paris", From: monday, To: monday},
			want: availability.ErrUnknownLocation,
		},
		{
			name: "reversed range",
			q:    availability.Query{ServiceID: demo.SmallCarWash, LocationID: demo.London, From: monday, To: monday.AddDate(0, 0, -1)},
			want: availability.ErrInvalidRange,
		},
		{
			name: "range too long",
			q:    availability.Query{ServiceID: demo.SmallCarWash, LocationID: demo.London, From: monday, To: monday.AddDate(0, 0, 90)},
			want: availability.ErrInvalidRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.List(context.Background(), cat, tt.q)
			require.ErrorIs(t, err, tt.want)
		})
	}
}
