package geo

import (
	"math"
	"testing"

	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/presence"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestNearbyOrdersByDistance(t *testing.T) {
	recs := []presence.Record{
		{PassengerID: "far", Location: models.Coord{Lat: 52.60, Lng: 13.40}},
		{PassengerID: "near", Location: models.Coord{Lat: 52.521, Lng: 13.401}},
		{PassengerID: "mid", Location: models.Coord{Lat: 52.55, Lng: 13.40}},
	}
	got := Nearby(models.Coord{Lat: 52.52, Lng: 13.40}, recs, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Record.PassengerID != "near" || got[1].Record.PassengerID != "mid" {
		t.Fatalf("unexpected order: %s, %s", got[0].Record.PassengerID, got[1].Record.PassengerID)
	}
	if got[0].DistanceMeters >= got[1].DistanceMeters {
		t.Fatal("expected ascending distances")
	}
}

func TestNearbyNoLimitReturnsAll(t *testing.T) {
	recs := []presence.Record{{PassengerID: "a"}, {PassengerID: "b"}}
	if got := Nearby(models.Coord{}, recs, 0); len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
}
