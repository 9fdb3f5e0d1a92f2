// Package demo defines the reference tenants loaded by seed-db and used by
// the in-memory API mode and tests: a car wash selling fixed timeslots and a
// gym selling personal training by ad-hoc window.
package demo

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/slotbook/internal/domain/catalog"
	"github.com/xenking/slotbook/internal/domain/coupon"
	"github.com/xenking/slotbook/internal/domain/money"
)

const (
	Environment = "dev"
	Currency    = "GBP"
)

// Car wash ids.
const (
	CarWashTenant = "tenant1"

	London = "london"

	SmallCarWash  = "smallCarWash"
	MediumCarWash = "mediumCarWash"
	LargeCarWash  = "largeCarWash"

	Wax       = "wax"
	Polish    = "polish"
	SeatClean = "seatClean"

	NineToOne = "nineToOne"
	OneToFour = "oneToFour"
	FourToSix = "fourToSix"

	ContactDetailsForm = "contactDetails"
	CarDetailsForm     = "carDetails"

	ExpiredCoupon    = "expired-20-percent-off"
	TwentyPercentOff = "20-percent-off"
	FiveOff          = "five-pounds-off"
)

// Gym ids.
const (
	GymTenant = "breezbook-gym"

	Harlow    = "harlow"
	Stortford = "stortford"
	Ware      = "ware"

	PersonalTraining = "pt1hr"
	GymSession       = "gym1hr"

	TrainerType = "personal.trainer"
	PTMike      = "ptMike"
	PTMete      = "ptMete"
)

var (
	CarWash = catalog.TenantEnvironment{EnvironmentID: Environment, TenantID: CarWashTenant}
	Gym     = catalog.TenantEnvironment{EnvironmentID: Environment, TenantID: GymTenant}
)

// ContactDetailsSchema requires a postcode from every car wash customer.
const ContactDetailsSchema = `{
  "type": "object",
  "properties": {
    "postcode": {"type": "string", "minLength": 1}
  },
  "required": ["postcode"]
}`

const CarDetailsSchema = `{
  "type": "object",
  "properties": {
    "make": {"type": "string", "minLength": 1},
    "model": {"type": "string", "minLength": 1},
    "colour": {"type": "string"},
    "year": {"type": "integer"}
  },
  "required": ["make", "model", "colour", "year"]
}`

// Valid answers for the car wash forms.
var (
	GoodContactDetails = json.RawMessage(`{"postcode":"SW1A 1AA"}`)
	GoodCarDetails     = json.RawMessage(`{"make":"Honda","model":"Accord","colour":"Silver","year":2021}`)
)

func gbp(minor int64) money.Money {
	return money.New(minor, Currency)
}

func window(start, end string) catalog.Window {
	return catalog.Window{Start: catalog.MustTime(start), End: catalog.MustTime(end)}
}

var everyDay = []time.Weekday{
	time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
	time.Thursday, time.Friday, time.Saturday,
}

// CarWashCatalog returns a fresh copy of the car wash tenant.
func CarWashCatalog() *catalog.Catalog {
	washAddOns := []string{Wax, Polish, SeatClean}
	cat := &catalog.Catalog{
		Tenant:         CarWash,
		Version:        1,
		CustomerFormID: ContactDetailsForm,
		Locations: []catalog.Location{
			{ID: London, Name: "London", Slug: "london"},
		},
		Services: []catalog.Service{
			{
				ID: SmallCarWash, Name: "Small car wash", Slug: "small-car-wash",
				Price: gbp(1000), DurationMinutes: 120,
				LocationIDs: []string{London}, FormIDs: []string{CarDetailsForm},
				PermittedAddOnIDs: washAddOns, RequiresTimeslot: true,
			},
			{
				ID: MediumCarWash, Name: "Medium car wash", Slug: "medium-car-wash",
				Price: gbp(1500), DurationMinutes: 150,
				LocationIDs: []string{London}, FormIDs: []string{CarDetailsForm},
				PermittedAddOnIDs: washAddOns, RequiresTimeslot: true,
			},
			{
				ID: LargeCarWash, Name: "Large car wash", Slug: "large-car-wash",
				Price: gbp(2000), DurationMinutes: 180,
				LocationIDs: []string{London}, FormIDs: []string{CarDetailsForm},
				PermittedAddOnIDs: washAddOns, RequiresTimeslot: true,
			},
		},
		AddOns: []catalog.AddOn{
			{ID: Wax, Name: "Wax", Price: gbp(1000)},
			{ID: Polish, Name: "Polish", Price: gbp(500)},
			{ID: SeatClean, Name: "Seat clean", Price: gbp(2000), RequiresQuantity: true},
		},
		Forms: []catalog.Form{
			{ID: ContactDetailsForm, Name: "Contact details", Schema: json.RawMessage(ContactDetailsSchema)},
			{ID: CarDetailsForm, Name: "Car details", Schema: json.RawMessage(CarDetailsSchema)},
		},
		Timeslots: []catalog.Timeslot{
			{ID: NineToOne, LocationID: London, Description: "Morning", Window: window("09:00", "13:00"), Capacity: 2},
			{ID: OneToFour, LocationID: London, Description: "Afternoon", Window: window("13:00", "16:00"), Capacity: 2},
			{ID: FourToSix, LocationID: London, Description: "Late afternoon", Window: window("16:00", "18:00"), Capacity: 2},
		},
	}
	for _, d := range everyDay {
		cat.BusinessHours = append(cat.BusinessHours, catalog.BusinessHours{Day: d, Window: window("09:00", "18:00")})
	}
	return cat
}

// GymCatalog returns a fresh copy of the gym tenant. Harlow is closed on
// Wednesdays and on Christmas Day 2024.
func GymCatalog() *catalog.Catalog {
	cat := &catalog.Catalog{
		Tenant:  Gym,
		Version: 1,
		Locations: []catalog.Location{
			{ID: Harlow, Name: "Harlow", Slug: "harlow"},
			{ID: Stortford, Name: "Stortford", Slug: "stortford"},
			{ID: Ware, Name: "Ware", Slug: "ware"},
		},
		Services: []catalog.Service{
			{
				ID: PersonalTraining, Name: "Personal training (1 hour)", Slug: "pt-1hr",
				Price: gbp(7000), DurationMinutes: 60,
				LocationIDs:   []string{Harlow, Stortford, Ware},
				ResourceTypes: []string{TrainerType},
				AdHocCapacity: 2,
			},
			{
				ID: GymSession, Name: "Gym session (1 hour)", Slug: "gym-1hr",
				Price: gbp(500), DurationMinutes: 60,
				LocationIDs:   []string{Harlow, Stortford, Ware},
				AdHocCapacity: 20,
			},
		},
		BlockedTime: []catalog.BlockedTime{
			{LocationID: Harlow, Date: time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC), Window: window("00:00", "24:00")},
		},
		Resources: []catalog.Resource{
			{ID: PTMete, Name: "Mete", Type: TrainerType},
			{ID: PTMike, Name: "Mike", Type: TrainerType},
		},
	}

	for _, d := range everyDay {
		cat.BusinessHours = append(cat.BusinessHours, catalog.BusinessHours{Day: d, Window: window("06:00", "22:00")})
		if d != time.Wednesday {
			cat.BusinessHours = append(cat.BusinessHours, catalog.BusinessHours{LocationID: Harlow, Day: d, Window: window("06:00", "22:00")})
		}
	}
	mete, mike := &cat.Resources[0], &cat.Resources[1]
	for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Thursday, time.Friday} {
		for _, r := range []*catalog.Resource{mete, mike} {
			r.Availability = append(r.Availability,
				catalog.ResourceAvailability{LocationID: Harlow, Day: d, Window: window("09:00", "18:00")})
		}
	}
	mike.Availability = append(mike.Availability,
		catalog.ResourceAvailability{LocationID: Ware, Day: time.Saturday, Window: window("09:00", "13:00")})
	return cat
}

// Catalogs returns both demo tenants.
func Catalogs() []*catalog.Catalog {
	return []*catalog.Catalog{CarWashCatalog(), GymCatalog()}
}

// Coupons returns the coupons issued by the tenant. Only the car wash issues
// any.
func Coupons(tenant catalog.TenantEnvironment) []coupon.Coupon {
	if tenant != CarWash {
		return nil
	}
	expiredAt := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return []coupon.Coupon{
		{
			ID: "coupon-expired-20", Code: ExpiredCoupon, DiscountType: coupon.DiscountPercentage,
			Value: decimal.NewFromInt(20), Description: "20% off, expired", ValidUntil: &expiredAt,
		},
		{
			ID: "coupon-20", Code: TwentyPercentOff, DiscountType: coupon.DiscountPercentage,
			Value: decimal.NewFromInt(20), Description: "20% off",
		},
		{
			ID: "coupon-five", Code: FiveOff, DiscountType: coupon.DiscountFixed,
			Value: decimal.NewFromInt(500), Description: "£5 off",
		},
	}
}
