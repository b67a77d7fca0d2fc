package service

import (
	"errors"
	"time"
)

// TrackPoint is a single GPS measurement from an asset, as carried by Kafka, MQTT
// and the /track endpoint.
type TrackPoint struct {
	AssetID   string    `json:"asset_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Speed     float64   `json:"speed"`
}

// Valid returns an error if the TrackPoint is invalid.
func (t TrackPoint) Valid() error {
	if t.AssetID == "" {
		return errors.New("asset_id required")
	}
	if t.Lat < -90 || t.Lat > 90 {
		return errors.New("lat out of range")
	}
	if t.Lon < -180 || t.Lon > 180 {
		return errors.New("lon out of range")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp required")
	}
	if t.Speed < 0 {
		return errors.New("speed cannot be negative")
	}
	return nil
}

func (t TrackPoint) Point() Point {
	return Point{Lat: t.Lat, Lon: t.Lon}
}

// GroupByAsset splits a mixed batch into per-asset point lists. Assets keep the order
// of their first appearance, points keep their batch order.
func GroupByAsset(points []TrackPoint) (order []string, byAsset map[string][]Point) {
	byAsset = make(map[string][]Point)
	for _, tp := range points {
		if _, seen := byAsset[tp.AssetID]; !seen {
			order = append(order, tp.AssetID)
		}
		byAsset[tp.AssetID] = append(byAsset[tp.AssetID], tp.Point())
	}
	return order, byAsset
}
