package framestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/syncraster/imgrec"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReopenIsIdempotent(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.CreateRun(RunInfo{Pattern: "raster"}); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s, err = Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != StatusRunning || runs[0].Pattern != "raster" {
		t.Errorf("expected the one run to survive reopening, got %+v", runs)
	}
}

func TestFixedDatasetRejectsOverflow(t *testing.T) {
	s := openTemp(t)
	run, _ := s.CreateRun(RunInfo{})
	ds, err := run.CreateFramedDataset("dac_offset", Float64, []int{2}, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 2; k++ {
		if err := ds.CommitFrame(k, []float64{float64(k), -float64(k)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := ds.CommitFrame(2, []float64{0, 0}); !errors.Is(err, ErrFull) {
		t.Errorf("expected ErrFull, got %v", err)
	}
	if err := ds.CommitFrame(0, []float64{0}); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
}

func TestGrowableDatasetExtendsInChunks(t *testing.T) {
	s := openTemp(t)
	run, _ := s.CreateRun(RunInfo{})
	ds, _ := run.CreateFramedDataset("adc_map", Float64, []int{2, 2, 1}, 3, true)
	grew, err := ds.ExtendIfNeeded(2)
	if err != nil || grew {
		t.Fatalf("frame 2 fits in 3, grew=%v err=%v", grew, err)
	}
	if err = ds.CommitFrame(4, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	shape, err := s.Shape(run.ID(), "adc_map")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{6, 2, 2, 1}, shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	grew, _ = ds.ExtendIfNeeded(6)
	if !grew || ds.Capacity() != 9 {
		t.Errorf("expected capacity 9 after frame 6, got %d", ds.Capacity())
	}
	got, err := s.ReadFrame(run.ID(), "adc_map", 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if _, err = s.ReadFrame(run.ID(), "adc_map", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for an uncommitted frame, got %v", err)
	}
}

func TestIntegerDatasetRounds(t *testing.T) {
	s := openTemp(t)
	run, _ := s.CreateRun(RunInfo{})
	ds, _ := run.CreateFramedDataset("ctr_map", Int64, []int{3}, 1, false)
	if err := ds.CommitFrame(0, []float64{1.2, 7.8, -2}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ReadFrame(run.ID(), "ctr_map", 0)
	if diff := cmp.Diff([]float64{1, 8, -2}, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestArraysAndAttrs(t *testing.T) {
	s := openTemp(t)
	run, _ := s.CreateRun(RunInfo{TimeID: "2024-01-02T03-04-05"})
	idx := []int{0, 0, 0, 0, 0, 1}
	if err := run.WriteArray("scan_index_array", []int{2, 3}, idx); err != nil {
		t.Fatal(err)
	}
	if err := run.WriteArray("bad", []int{4}, idx); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	run.SetAttr("adc_names", "pmt,diode")
	run.SetAttr("adc_names", "pmt")
	shape, data, err := s.ReadArray(run.ID(), "scan_index_array")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3}, shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 0, 0, 0, 0, 1}, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	attrs, err := s.Attrs(run.ID())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"time_id": "2024-01-02T03-04-05", "adc_names": "pmt"}
	if diff := cmp.Diff(want, attrs); diff != "" {
		t.Errorf("attrs mismatch (-want +got):\n%s", diff)
	}
	if err := run.Finish(StatusComplete); err != nil {
		t.Fatal(err)
	}
	runs, _ := s.Runs()
	if runs[0].Status != StatusComplete || runs[0].Finished.IsZero() {
		t.Errorf("finish not recorded: %+v", runs[0])
	}
}

func TestExportFITS(t *testing.T) {
	s := openTemp(t)
	run, _ := s.CreateRun(RunInfo{})
	run.WriteArray("imshow_extent", []int{4}, []float64{-1, 1, -1, 1})
	ds, _ := run.CreateFramedDataset("adc_map", Float64, []int{2, 3, 1}, 2, false)
	ds.CommitFrame(0, []float64{1, 2, 3, 4, 5, 6})
	ds.CommitFrame(1, []float64{6, 5, 4, 3, 2, 1})
	rec := imgrec.New(t.TempDir(), "adc_")
	paths, err := s.ExportFITS(run.ID(), "adc_map", rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		// FITS files are a whole number of 2880 byte blocks
		if fi.Size() == 0 || fi.Size()%2880 != 0 {
			t.Errorf("%s is %d bytes, not a FITS file", p, fi.Size())
		}
	}
}
