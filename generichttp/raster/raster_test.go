package raster

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/syncraster/daq"
	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/imgrec"
	"github.com/nasa-jpl/syncraster/syncraster"
)

func setup(t *testing.T, edit func(*syncraster.Settings)) (*HTTPRaster, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	st, err := framestore.Open(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	s := syncraster.DefaultSettings()
	s.PollPeriod = 0.002
	s.DisplayUpdatePeriod = 0
	if edit != nil {
		edit(&s)
	}
	sim := daq.NewSim(1, 1)
	sim.PixelsPerTick = 10
	m, err := syncraster.New(s, syncraster.SimHardware(sim), st, syncraster.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := NewHTTPRaster(m, st, imgrec.New(filepath.Join(dir, "export"), "scan"))
	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	h.RT().Bind(r)
	t.Cleanup(func() {
		m.Interrupt()
		h.Wait()
	})
	return h, r
}

func do(t *testing.T, hndl http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	hndl.ServeHTTP(w, req)
	return w
}

func TestSettingRoutes(t *testing.T) {
	h, hndl := setup(t, nil)
	if w := do(t, hndl, http.MethodPost, "/frames", `{"int": 5}`); w.Code != http.StatusOK {
		t.Fatalf("POST /frames: %d %s", w.Code, w.Body)
	}
	if w := do(t, hndl, http.MethodGet, "/frames", ""); w.Body.String() != "{\"int\":5}\n" {
		t.Errorf("GET /frames: %q", w.Body)
	}
	if w := do(t, hndl, http.MethodPost, "/scan/pattern", `{"str": "serpentine"}`); w.Code != http.StatusOK {
		t.Fatalf("POST /scan/pattern: %d %s", w.Code, w.Body)
	}
	if w := do(t, hndl, http.MethodGet, "/scan/pattern", ""); w.Body.String() != "{\"str\":\"serpentine\"}\n" {
		t.Errorf("GET /scan/pattern: %q", w.Body)
	}
	if w := do(t, hndl, http.MethodPost, "/scan/pattern", `{"str": "spiral"}`); w.Code == http.StatusOK {
		t.Error("an unknown pattern was accepted")
	}
	if w := do(t, hndl, http.MethodPost, "/drift/gain", `{"f64": 0.25}`); w.Code != http.StatusOK {
		t.Fatalf("POST /drift/gain: %d %s", w.Code, w.Body)
	}
	if g := h.M.Settings().Drift.ProportionalGain; g != 0.25 {
		t.Errorf("drift gain is %v", g)
	}

	if w := do(t, hndl, http.MethodPost, "/settings", `{"nFrames": 3, "continuous": true}`); w.Code != http.StatusOK {
		t.Fatalf("POST /settings: %d %s", w.Code, w.Body)
	}
	s := h.M.Settings()
	if s.NFrames != 3 || !s.Continuous || s.Scan.Rows != 10 {
		t.Errorf("partial settings update gave %+v", s)
	}
	if w := do(t, hndl, http.MethodPost, "/settings", `{"adcRate": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid settings: expected 400, got %d", w.Code)
	}
	if w := do(t, hndl, http.MethodPost, "/settings", `{"adcRate": `); w.Code != http.StatusBadRequest {
		t.Errorf("malformed settings: expected 400, got %d", w.Code)
	}

	w := do(t, hndl, http.MethodGet, "/geometry?index=true", "")
	var g geometry
	if err := json.NewDecoder(w.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.Npixels != 100 || len(g.Index) != 300 {
		t.Errorf("geometry: %d pixels, %d index entries", g.Npixels, len(g.Index))
	}
	if w := do(t, hndl, http.MethodGet, "/latest.png", ""); w.Code != http.StatusNotFound {
		t.Errorf("latest with no scan: expected 404, got %d", w.Code)
	}
}

func TestScanAndExport(t *testing.T) {
	_, hndl := setup(t, nil)
	w := do(t, hndl, http.MethodPost, "/start?wait=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /start: %d %s", w.Code, w.Body)
	}
	var status syncraster.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != framestore.StatusComplete {
		t.Fatalf("scan ended %q: %s", status.State, status.Err)
	}

	var runs []framestore.RunInfo
	json.NewDecoder(do(t, hndl, http.MethodGet, "/runs", "").Body).Decode(&runs)
	if len(runs) != 1 || runs[0].ID != status.RunID {
		t.Fatalf("runs: %+v", runs)
	}
	attrs := map[string]string{}
	json.NewDecoder(do(t, hndl, http.MethodGet, "/runs/"+status.RunID+"/attrs", "").Body).Decode(&attrs)
	if attrs["pattern"] != "raster" {
		t.Errorf("run attrs: %v", attrs)
	}
	if w := do(t, hndl, http.MethodGet, "/runs/nope/attrs", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", w.Code)
	}

	w = do(t, hndl, http.MethodPost, "/export", `{"dataset": "ctr_map"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /export: %d %s", w.Code, w.Body)
	}
	var files []string
	json.NewDecoder(w.Body).Decode(&files)
	if len(files) != 2 {
		t.Errorf("expected one file per frame, got %v", files)
	}
	w = do(t, hndl, http.MethodGet, "/export/last", "")
	if w.Code != http.StatusOK || w.Body.Len() == 0 || w.Body.Len()%2880 != 0 {
		t.Errorf("GET /export/last: %d, %d bytes", w.Code, w.Body.Len())
	}
}

func TestLockedWhileScanning(t *testing.T) {
	h, hndl := setup(t, func(s *syncraster.Settings) { s.Continuous = true })
	if w := do(t, hndl, http.MethodPost, "/start", ""); w.Code != http.StatusAccepted {
		t.Fatalf("POST /start: %d %s", w.Code, w.Body)
	}
	deadline := time.Now().Add(5 * time.Second)
	var img *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		img = do(t, hndl, http.MethodGet, "/latest.png", "")
		if img.Code == http.StatusOK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if img.Code != http.StatusOK {
		t.Fatalf("no frame while scanning: %d %s", img.Code, img.Body)
	}
	im, err := png.Decode(img.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := im.Bounds(); b.Dx() != 10 || b.Dy() != 10 {
		t.Errorf("latest image is %v", b)
	}

	if w := do(t, hndl, http.MethodPost, "/frames", `{"int": 4}`); w.Code != http.StatusLocked {
		t.Errorf("setting during a scan: expected 423, got %d", w.Code)
	}
	if w := do(t, hndl, http.MethodPost, "/start", ""); w.Code != http.StatusLocked {
		t.Errorf("second start: expected 423, got %d", w.Code)
	}
	if w := do(t, hndl, http.MethodGet, "/frames", ""); w.Code != http.StatusOK {
		t.Errorf("reads are never locked, got %d", w.Code)
	}
	if w := do(t, hndl, http.MethodPost, "/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("POST /stop: %d", w.Code)
	}
	h.Wait()
	if err := h.LastErr(); err != nil {
		t.Fatal(err)
	}
	if st := h.M.Status(); st.State != framestore.StatusInterrupted {
		t.Errorf("expected an interrupted scan, got %q", st.State)
	}
	if w := do(t, hndl, http.MethodPost, "/frames", `{"int": 4}`); w.Code != http.StatusOK {
		t.Errorf("setting after the scan: %d %s", w.Code, w.Body)
	}
}

func TestGray(t *testing.T) {
	im := Gray([]float64{1, 2, 3, 4}, 2, 2)
	if diff := cmp.Diff([]byte{0, 85, 170, 255}, im.Pix); diff != "" {
		t.Errorf("gray scaling mismatch (-want +got):\n%s", diff)
	}
	flat := Gray([]float64{7, 7, 7, 7}, 2, 2)
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, flat.Pix); diff != "" {
		t.Errorf("flat image mismatch (-want +got):\n%s", diff)
	}
}
