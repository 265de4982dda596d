package cover

import "testing"

func TestRemap_NilPropagates(t *testing.T) {
	if got := Remap(nil, 10, 90, ToDevice); got != nil {
		t.Errorf("ToDevice nil = %v, want nil", *got)
	}
	if got := Remap(nil, 10, 90, FromDevice); got != nil {
		t.Errorf("FromDevice nil = %v, want nil", *got)
	}
}

func TestRemap_ZeroSentinel(t *testing.T) {
	ranges := []struct{ min, max int }{
		{0, 100}, {10, 90}, {50, 50}, {90, 10}, {100, 0},
	}
	for _, r := range ranges {
		if got := Remap(intPtr(0), r.min, r.max, ToDevice); got == nil || *got != 0 {
			t.Errorf("ToDevice(0, %d, %d) = %v, want 0", r.min, r.max, optInt(got))
		}
		if got := Remap(intPtr(0), r.min, r.max, FromDevice); got == nil || *got != 0 {
			t.Errorf("FromDevice(0, %d, %d) = %v, want 0", r.min, r.max, optInt(got))
		}
	}
}

func TestRemap_ToDevice(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		min, max int
		want     int
	}{
		{"full range min", 1, 0, 100, 0},
		{"full range max", 100, 0, 100, 100},
		{"restricted range min", 1, 10, 90, 10},
		{"restricted range max", 100, 10, 90, 90},
		{"restricted range mid", 75, 10, 90, 70},
		{"above domain clamps", 150, 10, 90, 90},
		{"negative clamps", -5, 10, 90, 10},
		{"inverted range tolerated", 50, 90, 10, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Remap(intPtr(tt.value), tt.min, tt.max, ToDevice)
			if got == nil || *got != tt.want {
				t.Errorf("Remap(%d, %d, %d, ToDevice) = %v, want %d",
					tt.value, tt.min, tt.max, optInt(got), tt.want)
			}
		})
	}
}

func TestRemap_FromDevice_BelowMinFloor(t *testing.T) {
	for _, v := range []int{1, 5, 9, -20} {
		got := Remap(intPtr(v), 10, 90, FromDevice)
		if got == nil || *got != 1 {
			t.Errorf("FromDevice(%d, 10, 90) = %v, want 1", v, optInt(got))
		}
	}
}

func TestRemap_FromDevice_Bounds(t *testing.T) {
	if got := Remap(intPtr(10), 10, 90, FromDevice); got == nil || *got != 1 {
		t.Errorf("FromDevice(min) = %v, want 1", optInt(got))
	}
	if got := Remap(intPtr(90), 10, 90, FromDevice); got == nil || *got != 100 {
		t.Errorf("FromDevice(max) = %v, want 100", optInt(got))
	}
	if got := Remap(intPtr(95), 10, 90, FromDevice); got == nil || *got != 100 {
		t.Errorf("FromDevice(above max) = %v, want 100", optInt(got))
	}
}

func TestRemap_DegenerateRange(t *testing.T) {
	for _, v := range []int{1, 25, 50, 75, 100, -3} {
		if got := Remap(intPtr(v), 50, 50, ToDevice); got == nil || *got != 0 {
			t.Errorf("ToDevice(%d, 50, 50) = %v, want 0", v, optInt(got))
		}
		if got := Remap(intPtr(v), 50, 50, FromDevice); got == nil || *got != 50 {
			t.Errorf("FromDevice(%d, 50, 50) = %v, want 50", v, optInt(got))
		}
	}
}

func TestRemap_RoundTrip(t *testing.T) {
	ranges := []struct{ min, max int }{
		{0, 100}, {10, 90}, {1, 99}, {20, 80}, {0, 50},
	}
	for _, r := range ranges {
		for _, v := range []int{1, 25, 50, 75, 100} {
			device := Remap(intPtr(v), r.min, r.max, ToDevice)
			if device == nil {
				t.Fatalf("ToDevice(%d, %d, %d) = nil", v, r.min, r.max)
			}
			back := Remap(device, r.min, r.max, FromDevice)
			if back == nil {
				t.Fatalf("FromDevice(%d, %d, %d) = nil", *device, r.min, r.max)
			}
			if abs(*back-v) > 2 {
				t.Errorf("round trip %d over [%d,%d]: device=%d, back=%d (drift %d)",
					v, r.min, r.max, *device, *back, abs(*back-v))
			}
		}
	}
}

func TestIntPtrEqual(t *testing.T) {
	if !intPtrEqual(nil, nil) {
		t.Error("nil == nil should hold")
	}
	if intPtrEqual(intPtr(5), nil) || intPtrEqual(nil, intPtr(5)) {
		t.Error("value vs nil should differ")
	}
	if !intPtrEqual(intPtr(5), intPtr(5)) {
		t.Error("equal values should match")
	}
	if intPtrEqual(intPtr(5), intPtr(6)) {
		t.Error("different values should differ")
	}
}
