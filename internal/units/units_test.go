package units

import "testing"

func TestConversions(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"mm to m", MMToM(1500), 1.5},
		{"m to mm", MToMM(0.25), 250},
		{"mm/s to m/s", MMPSToMPS(5000), 5},
		{"m/s to mm/s", MPSToMMPS(5), 5000},
		{"zero", MMToM(0), 0},
		{"negative", MToMM(-2), -2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}
