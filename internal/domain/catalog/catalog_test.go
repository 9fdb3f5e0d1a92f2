package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/slotbook/internal/domain/money"
)

func window(start, end string) Window {
	return Window{Start: MustTime(start), End: MustTime(end)}
}

func testCatalog() *Catalog {
	return &Catalog{
		Tenant: TenantEnvironment{EnvironmentID: "dev", TenantID: "gym"},
		Locations: []Location{
			{ID: "harlow"}, {ID: "ware"},
		},
		Services: []Service{
			{ID: "wash", Price: money.New(1000, "GBP"), LocationIDs: []string{"harlow"}, RequiresTimeslot: true},
			{ID: "pt", Price: money.New(7000, "GBP"), LocationIDs: []string{"harlow", "ware"}, ResourceTypes: []string{"trainer"}, AdHocCapacity: 5},
		},
		Timeslots: []Timeslot{
			{ID: "morning", LocationID: "harlow", Window: window("09:00", "13:00"), Capacity: 2},
			{ID: "washOnly", LocationID: "harlow", ServiceID: "wash", Window: window("13:00", "16:00"), Capacity: 1,
				Days: []time.Weekday{time.Monday, time.Tuesday}},
			{ID: "wareMorning", LocationID: "ware", Window: window("09:00", "13:00"), Capacity: 3},
		},
		BusinessHours: []BusinessHours{
			{Day: time.Wednesday, Window: window("09:00", "18:00")},
			{Day: time.Monday, Window: window("09:00", "18:00")},
			{LocationID: "ware", Day: time.Monday, Window: window("10:00", "18:00")},
		},
		BlockedTime: []BlockedTime{
			{LocationID: "harlow", Date: time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), Window: window("09:00", "18:00")},
		},
		Resources: []Resource{
			{ID: "ptMike", Type: "trainer", Availability: []ResourceAvailability{
				{LocationID: "harlow", Day: time.Monday, Window: window("09:00", "18:00")},
			}},
			{ID: "ptAnna", Type: "trainer", Availability: []ResourceAvailability{
				{LocationID: "harlow", Day: time.Monday, Window: window("12:00", "18:00")},
			}},
		},
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "09:00", want: 540},
		{in: "23:59", want: 1439},
		{in: "24:00", want: 1440},
		{in: "24:01", wantErr: true},
		{in: "9:00", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "12:60", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestWindow(t *testing.T) {
	w := window("09:00", "13:00")
	assert.True(t, w.Overlaps(window("12:00", "14:00")))
	assert.False(t, w.Overlaps(window("13:00", "14:00")), "windows are half-open")
	assert.True(t, w.Contains(window("10:00", "11:00")))
	assert.False(t, w.Contains(window("08:00", "11:00")))
	assert.Equal(t, "09:00-13:00", w.Key())

	_, err := NewWindow(MustTime("10:00"), MustTime("10:00"))
	require.Error(t, err)
}

func TestResolveSlot(t *testing.T) {
	c := testCatalog()
	wash, _ := c.Service("wash")
	pt, _ := c.Service("pt")
	explicit := window("09:00", "13:00")
	adhoc := window("10:00", "11:00")

	tests := []struct {
		name     string
		svc      *Service
		location string
		spec     SlotSpec
		wantKey  string
		wantCap  int
		wantSvc  string // service of the capacity key
		wantErr  bool
	}{
		{name: "by id", svc: wash, location: "harlow", spec: SlotSpec{ID: "morning"}, wantKey: "morning", wantCap: 2},
		{name: "service scoped id", svc: wash, location: "harlow", spec: SlotSpec{ID: "washOnly"}, wantKey: "washOnly", wantCap: 1, wantSvc: "wash"},
		{name: "service scoped id for other service", svc: pt, location: "harlow", spec: SlotSpec{ID: "washOnly"}, wantErr: true},
		{name: "id at wrong location", svc: wash, location: "ware", spec: SlotSpec{ID: "morning"}, wantErr: true},
		{name: "unknown id", svc: wash, location: "harlow", spec: SlotSpec{ID: "this-does-not-exist"}, wantErr: true},
		{name: "window matching configured slot", svc: wash, location: "harlow", spec: SlotSpec{Window: &explicit}, wantKey: "morning", wantCap: 2},
		{name: "ad-hoc window rejected when timeslots required", svc: wash, location: "harlow", spec: SlotSpec{Window: &adhoc}, wantErr: true},
		{name: "ad-hoc window accepted", svc: pt, location: "harlow", spec: SlotSpec{Window: &adhoc}, wantKey: "10:00-11:00", wantCap: 5, wantSvc: "pt"},
		{name: "empty spec", svc: pt, location: "harlow", spec: SlotSpec{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, err := c.ResolveSlot(tt.svc, tt.location, tt.spec)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownTimeslot)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, slot.Key())
			assert.Equal(t, tt.wantCap, slot.Capacity)
			key := slot.CapacityKey(c.Tenant, tt.location, time.Date(2024, 12, 23, 0, 0, 0, 0, time.UTC))
			assert.Equal(t, tt.wantSvc, key.ServiceID)
			assert.Equal(t, tt.wantKey, key.SlotKey)
		})
	}
}

func TestPeakOccupancy(t *testing.T) {
	booked := []Window{window("09:00", "10:00"), window("09:30", "10:30"), window("10:00", "11:00")}

	tests := []struct {
		name string
		w    Window
		want int
	}{
		{name: "before everything", w: window("07:00", "09:00"), want: 0},
		{name: "inside the first", w: window("09:00", "09:15"), want: 1},
		{name: "where two overlap", w: window("09:40", "09:50"), want: 2},
		{name: "handover at ten", w: window("10:00", "10:10"), want: 2},
		{name: "whole morning", w: window("08:00", "12:00"), want: 2},
		{name: "after everything", w: window("11:00", "12:00"), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var overlapping []Window
			for _, b := range booked {
				if b.Overlaps(tt.w) {
					overlapping = append(overlapping, b)
				}
			}
			assert.Equal(t, tt.want, PeakOccupancy(overlapping, tt.w))
		})
	}
}

func TestBookable(t *testing.T) {
	c := testCatalog()
	monday := time.Date(2024, 12, 23, 0, 0, 0, 0, time.UTC)
	tuesday := monday.AddDate(0, 0, 1)
	wednesdayXmas := time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)

	morning := Slot{TimeslotID: "morning", Window: window("09:00", "13:00")}
	washOnly := Slot{TimeslotID: "washOnly", Window: window("13:00", "16:00"), Days: []time.Weekday{time.Monday, time.Tuesday}}

	assert.True(t, c.Bookable("harlow", monday, morning))
	assert.False(t, c.Bookable("harlow", tuesday, morning), "tenant closed on tuesday")
	assert.False(t, c.Bookable("harlow", tuesday, washOnly), "no business hours on tuesday")
	assert.True(t, c.Bookable("harlow", monday, washOnly))
	assert.False(t, c.Bookable("harlow", wednesdayXmas, morning), "blocked")
	assert.False(t, c.Bookable("ware", monday, morning), "location hours start at ten")
	assert.True(t, c.Bookable("ware", monday, Slot{Window: window("10:00", "12:00")}))
	assert.False(t, c.Bookable("ware", wednesdayXmas.AddDate(0, 0, 7), Slot{Window: window("10:00", "12:00")}),
		"location hours replace tenant hours")
}

func TestQualifiedResources(t *testing.T) {
	c := testCatalog()
	monday := time.Date(2024, 12, 23, 0, 0, 0, 0, time.UTC)

	got := c.QualifiedResources("trainer", "harlow", monday, window("12:00", "13:00"))
	require.Len(t, got, 2)
	assert.Equal(t, "ptAnna", got[0].ID, "ordered by id")

	got = c.QualifiedResources("trainer", "harlow", monday, window("09:00", "10:00"))
	require.Len(t, got, 1)
	assert.Equal(t, "ptMike", got[0].ID)

	assert.Empty(t, c.QualifiedResources("trainer", "ware", monday, window("09:00", "10:00")))
	assert.Empty(t, c.QualifiedResources("trainer", "harlow", monday.AddDate(0, 0, 1), window("09:00", "10:00")))
}

func TestCatalog_JSONRoundTripKeepsWindows(t *testing.T) {
	c := testCatalog()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"start":"09:00"`)

	var back Catalog
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c.Timeslots, back.Timeslots)
}

func TestStatic(t *testing.T) {
	c := testCatalog()
	s := NewStatic(c)

	got, err := s.Catalog(context.Background(), c.Tenant)
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = s.Catalog(context.Background(), TenantEnvironment{EnvironmentID: "prod", TenantID: "gym"})
	assert.ErrorIs(t, err, ErrUnknownTenant)
}
