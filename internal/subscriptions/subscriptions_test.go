package subscriptions

import (
	"reflect"
	"testing"
)

func TestGroupByServiceOffice(t *testing.T) {
	subs := []Subscription{
		{UserID: 1, ServiceID: 100, OfficeID: 10},
		{UserID: 2, ServiceID: 100, OfficeID: 10},
		{UserID: 3, ServiceID: 200, OfficeID: 10},
		{UserID: 1, ServiceID: 100, OfficeID: 10},
		{UserID: 1, ServiceID: 100, OfficeID: 11},
	}
	got := GroupByServiceOffice(subs)
	want := map[Key][]int64{
		{ServiceID: 100, OfficeID: 10}: {1, 2},
		{ServiceID: 200, OfficeID: 10}: {3},
		{ServiceID: 100, OfficeID: 11}: {1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if len(GroupByServiceOffice(nil)) != 0 {
		t.Fatal("expected empty map for no subscriptions")
	}
}

func TestGroupByDateRange(t *testing.T) {
	def := DateRange{Start: "2025-03-10", End: "2025-05-09"}
	custom := DateRange{Start: "2025-04-01", End: "2025-04-15"}
	ranges := map[int64]DateRange{2: custom}
	rangeOf := func(id int64) DateRange {
		if r, ok := ranges[id]; ok {
			return r
		}
		return def
	}

	got := GroupByDateRange([]int64{1, 2, 3}, rangeOf)
	want := map[DateRange][]int64{def: {1, 3}, custom: {2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTargetsOrdered(t *testing.T) {
	def := DateRange{Start: "2025-03-10", End: "2025-05-09"}
	early := DateRange{Start: "2025-03-01", End: "2025-03-31"}
	rangeOf := func(id int64) DateRange {
		if id == 9 {
			return early
		}
		return def
	}
	subs := []Subscription{
		{UserID: 1, ServiceID: 200, OfficeID: 10},
		{UserID: 2, ServiceID: 100, OfficeID: 11},
		{UserID: 3, ServiceID: 100, OfficeID: 10},
		{UserID: 9, ServiceID: 100, OfficeID: 10},
	}

	got := Targets(subs, rangeOf)
	want := []Target{
		{Key: Key{100, 10}, Range: early, UserIDs: []int64{9}},
		{Key: Key{100, 10}, Range: def, UserIDs: []int64{3}},
		{Key: Key{100, 11}, Range: def, UserIDs: []int64{2}},
		{Key: Key{200, 10}, Range: def, UserIDs: []int64{1}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}
}
