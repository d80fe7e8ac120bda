package dashboard

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(StorePath(t.TempDir()), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePath(t *testing.T) {
	if got := StorePath("ckpt/run"); got != filepath.Join("ckpt", "run", "logs", "scalars.db") {
		t.Errorf("StorePath = %s", got)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	s := openStore(t)
	w, err := NewWriter(s, "exp", "resnet34")
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []Point{{Step: 300, Value: 0.1}, {Step: 2, Value: 0.5}, {Step: 256, Value: 0.25}} {
		if err := w.AddScalar("loss", p.Value, p.Step); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.AddScalar("epoch.accuracy", 0.75, 1); err != nil {
		t.Fatal(err)
	}

	// nothing is visible before a flush
	if tags, err := s.Tags(w.Run().ID); err != nil || len(tags) != 0 {
		t.Errorf("tags before flush = %v, %v", tags, err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	tags, err := s.Tags(w.Run().ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tags, []string{"epoch.accuracy", "loss"}) {
		t.Errorf("tags = %v", tags)
	}

	points, err := s.Series(w.Run().ID, "loss")
	if err != nil {
		t.Fatal(err)
	}
	want := []Point{{Step: 2, Value: 0.5}, {Step: 256, Value: 0.25}, {Step: 300, Value: 0.1}}
	if !reflect.DeepEqual(points, want) {
		t.Errorf("series = %v, expected %v (ordered by step)", points, want)
	}

	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != w.Run().ID || runs[0].Name != "exp" || runs[0].Model != "resnet34" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestWritersKeepRunsApart(t *testing.T) {
	s := openStore(t)
	a, _ := NewWriter(s, "a", "resnet34")
	b, _ := NewWriter(s, "b", "resnet50")
	if a.Run().ID == b.Run().ID {
		t.Fatal("runs share an id")
	}
	a.AddScalar("loss", 1, 0)
	b.AddScalar("loss", 2, 0)
	if err := (Multi{a, b}).Flush(); err != nil {
		t.Fatal(err)
	}

	pa, _ := s.Series(a.Run().ID, "loss")
	pb, _ := s.Series(b.Run().ID, "loss")
	if len(pa) != 1 || pa[0].Value != 1 || len(pb) != 1 || pb[0].Value != 2 {
		t.Errorf("series a = %v, b = %v", pa, pb)
	}
}

func TestUnknownRunAndTag(t *testing.T) {
	s := openStore(t)
	if _, err := s.Tags("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Tags error = %v", err)
	}
	w, _ := NewWriter(s, "exp", "resnet34")
	if _, err := s.Series(w.Run().ID, "loss"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Series error = %v", err)
	}
	if err := w.AddScalar("", 1, 1); err == nil {
		t.Error("expected error for empty tag")
	}
}

func TestNegativeStepsSortFirst(t *testing.T) {
	s := openStore(t)
	w, _ := NewWriter(s, "exp", "resnet34")
	w.AddScalar("x", 1, 5)
	w.AddScalar("x", 2, -3)
	w.Flush()
	points, _ := s.Series(w.Run().ID, "x")
	if len(points) != 2 || points[0].Step != -3 || points[1].Step != 5 {
		t.Errorf("points = %v", points)
	}
}
