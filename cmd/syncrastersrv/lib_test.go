package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/syncraster"
)

func TestSanitizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"raster":     "/raster",
		"/raster/":   "/raster",
		"/omc/fsm/*": "/omc/fsm",
		"/":          "",
		"":           "",
	}
	for in, want := range tests {
		if got := sanitizeEndpoint(in); got != want {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadYamlStrict(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	os.WriteFile(good, []byte("Addr: :9000\nRaster:\n  NFrames: 7\n  Scan:\n    Rows: 4\n    Cols: 6\n    Pattern: serpentine\n"), 0666)
	c, err := LoadYaml(good)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9000" || c.Raster.NFrames != 7 || c.Raster.Scan.Rows != 4 || c.Raster.Scan.Pattern != scan.Serpentine {
		t.Errorf("decoded %+v", c)
	}
	// keys not named keep their defaults
	if c.Raster.ADCRate != syncraster.DefaultSettings().ADCRate || c.Hardware != "sim" {
		t.Errorf("defaults lost: %+v", c)
	}

	bad := filepath.Join(dir, "bad.yml")
	os.WriteFile(bad, []byte("Raster:\n  Frames: 7\n"), 0666)
	if _, err = LoadYaml(bad); err == nil {
		t.Error("an unknown key was accepted")
	}
}

func TestEnvKey(t *testing.T) {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	tests := map[string]string{
		"SYNCRASTER_RASTER__NFRAMES":        "Raster.NFrames",
		"SYNCRASTER_RASTER__DRIFT__ENABLED": "Raster.Drift.Enabled",
		"SYNCRASTER_ADDR":                   "Addr",
		"SYNCRASTER_NEW":                    "NEW",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewHardwareUnknown(t *testing.T) {
	c := DefaultConfig()
	c.Hardware = "pxie-6363"
	if _, err := NewHardware(c); err == nil {
		t.Error("unknown hardware was accepted")
	}
}

func TestBuildMux(t *testing.T) {
	c := DefaultConfig()
	c.Database = filepath.Join(t.TempDir(), "runs.db")
	c.ExportRoot = t.TempDir()
	s, err := NewSetup(c, syncraster.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	mux, h := BuildMux(c, s)
	defer h.Wait()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	graph := map[string][]string{}
	if err = json.NewDecoder(w.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h.RT().Endpoints(), graph["/raster"]); diff != "" {
		t.Errorf("endpoint graph mismatch (-want +got):\n%s", diff)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/raster/frames", nil))
	if w.Body.String() != "{\"int\":2}\n" {
		t.Errorf("GET /raster/frames: %d %q", w.Code, w.Body)
	}
	// no hook configured, so no raw route
	if _, ok := graph["/raster"]; ok {
		for _, e := range graph["/raster"] {
			if e == "POST /hook/raw" {
				t.Error("raw hook route bound without a hook")
			}
		}
	}
}
