package render

import (
	"testing"
	"time"
)

func TestMemorySurfaceHandlesAreUnique(t *testing.T) {
	s := NewMemorySurface()
	m := s.AddMarker(MarkerSpec{PixelSize: 5})
	l := s.AddLabel(LabelSpec{Text: "ISS", Visible: true})
	if m == 0 || l == 0 || m == l {
		t.Fatalf("handles = %d, %d; want distinct non-zero", m, l)
	}

	s.UpdateMarker(m, MarkerSpec{PixelSize: 12})
	if got, _ := s.Marker(m); got.PixelSize != 12 {
		t.Fatalf("PixelSize = %v, want 12", got.PixelSize)
	}
	s.RemoveMarker(m)
	s.RemoveMarker(m)
	s.UpdateMarker(m, MarkerSpec{})
	if ops := s.Ops(); ops.MarkersAdded != 1 || ops.MarkersUpdated != 1 || ops.MarkersRemoved != 1 {
		t.Fatalf("ops = %+v", ops)
	}
	if s.MarkerCount() != 0 {
		t.Fatalf("MarkerCount = %d, want 0", s.MarkerCount())
	}
}

func TestMemorySurfaceLabelVisibility(t *testing.T) {
	s := NewMemorySurface()
	h := s.AddLabel(LabelSpec{Text: "A", Visible: true})
	s.SetLabelVisible(h, false)
	s.SetLabelVisible(h, false)
	if s.VisibleLabels() != 0 || s.LabelCount() != 1 {
		t.Fatalf("visible = %d, count = %d; want 0, 1", s.VisibleLabels(), s.LabelCount())
	}
	if s.Ops().LabelsHidden != 1 {
		t.Fatalf("LabelsHidden = %d, want 1", s.Ops().LabelsHidden)
	}
}

func TestMemorySurfacePickAndFlyTo(t *testing.T) {
	s := NewMemorySurface()
	var picked []Handle
	cancel := s.OnPick(func(h Handle) { picked = append(picked, h) })
	s.Pick(7)
	cancel()
	s.Pick(8)
	if len(picked) != 1 || picked[0] != 7 {
		t.Fatalf("picked = %v, want [7]", picked)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d, want 0", s.Subscribers())
	}

	if _, ok := s.LastFlyTo(); ok {
		t.Fatalf("LastFlyTo before any move = ok")
	}
	s.FlyTo(Position{Longitude: 1, Latitude: 2, Altitude: 3}, time.Second)
	got, ok := s.LastFlyTo()
	if !ok || got.Target.Latitude != 2 || got.Duration != time.Second {
		t.Fatalf("LastFlyTo = %+v, %v", got, ok)
	}
}

func TestColorHex(t *testing.T) {
	if got := RGB(0, 0xbf, 0xff).Hex(); got != "#00bfffff" {
		t.Fatalf("Hex = %q, want #00bfffff", got)
	}
}
