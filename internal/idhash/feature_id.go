package idhash

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// featureNamespace scopes feature window ids.
var featureNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("perps-ops-control-tower/features_1m"))

// ComputeFeatureWindowID computes a deterministic UUIDv5 for a feature window.
// Formula: UUIDv5(ns, venue|symbol|window_start_ms)
func ComputeFeatureWindowID(venue domain.Venue, symbol string, windowStart time.Time) uuid.UUID {
	data := fmt.Sprintf("%s|%s|%d", string(venue), symbol, windowStart.UnixMilli())
	return uuid.NewSHA1(featureNamespace, []byte(data))
}

// FeatureWindowKey returns the map key for a feature window.
func FeatureWindowKey(venue domain.Venue, symbol string, windowStart time.Time) string {
	return ComputeFeatureWindowID(venue, symbol, windowStart).String()
}
