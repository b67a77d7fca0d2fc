package service

import (
	"strings"
	"testing"
)

func TestDecodeMQTTPayload(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		payload   string
		wantCount int
		wantAsset string
		wantErr   string
	}{
		{
			name:      "single object takes asset from topic",
			topic:     "assets/TRUCK-1/position",
			payload:   `{"lat": 25.03, "lon": 121.56, "timestamp": "2024-03-01T12:00:00Z", "speed": 12}`,
			wantCount: 1,
			wantAsset: "TRUCK-1",
		},
		{
			name:  "array",
			topic: "assets/TRUCK-1/position",
			payload: `[{"asset_id": "TRUCK-1", "lat": 25.03, "lon": 121.56, "timestamp": "2024-03-01T12:00:00Z"},
			           {"lat": 25.04, "lon": 121.57, "timestamp": "2024-03-01T12:00:05Z"}]`,
			wantCount: 2,
			wantAsset: "TRUCK-1",
		},
		{
			name:    "asset mismatch",
			topic:   "assets/TRUCK-1/position",
			payload: `{"asset_id": "TRUCK-2", "lat": 25.03, "lon": 121.56, "timestamp": "2024-03-01T12:00:00Z"}`,
			wantErr: "does not match topic",
		},
		{
			name:    "unknown topic shape needs asset_id",
			topic:   "fleet/positions",
			payload: `{"lat": 25.03, "lon": 121.56, "timestamp": "2024-03-01T12:00:00Z"}`,
			wantErr: "asset_id required",
		},
		{
			name:    "invalid point",
			topic:   "assets/TRUCK-1/position",
			payload: `{"lat": 125.03, "lon": 121.56, "timestamp": "2024-03-01T12:00:00Z"}`,
			wantErr: "lat out of range",
		},
		{
			name:    "broken JSON",
			topic:   "assets/TRUCK-1/position",
			payload: `{"lat":`,
			wantErr: "invalid JSON",
		},
		{
			name:    "empty array",
			topic:   "assets/TRUCK-1/position",
			payload: `[]`,
			wantErr: "empty payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, err := decodeMQTTPayload(tt.topic, []byte(tt.payload))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got error %v, want one mentioning %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(points) != tt.wantCount {
				t.Fatalf("got %d points, want %d", len(points), tt.wantCount)
			}
			for _, p := range points {
				if p.AssetID != tt.wantAsset {
					t.Errorf("got asset %q, want %q", p.AssetID, tt.wantAsset)
				}
			}
		})
	}
}
