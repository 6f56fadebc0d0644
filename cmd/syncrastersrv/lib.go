package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"

	"github.com/nasa-jpl/syncraster/daq"
	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/generichttp/ascii"
	"github.com/nasa-jpl/syncraster/generichttp/raster"
	"github.com/nasa-jpl/syncraster/hook"
	"github.com/nasa-jpl/syncraster/imgrec"
	"github.com/nasa-jpl/syncraster/syncraster"
)

// SimSetup tunes the simulated hardware
type SimSetup struct {
	// ADC and Counters are the number of simulated channels of each kind
	ADC      int `yaml:"ADC" koanf:"ADC"`
	Counters int `yaml:"Counters" koanf:"Counters"`

	// PixelsPerTick and TickMillis set the speed of the simulated clock
	PixelsPerTick int `yaml:"PixelsPerTick" koanf:"PixelsPerTick"`
	TickMillis    int `yaml:"TickMillis" koanf:"TickMillis"`

	// DriftX and DriftY move the specimen per pass of the scan
	DriftX float64 `yaml:"DriftX" koanf:"DriftX"`
	DriftY float64 `yaml:"DriftY" koanf:"DriftY"`
}

// Config is the configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the URL the raster routes are served under, e.g. /raster
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Hardware is the type of the acquisition hardware.  Only "sim" is built in
	Hardware string `yaml:"Hardware" koanf:"Hardware"`

	Sim SimSetup `yaml:"Sim" koanf:"Sim"`

	// Database is the run file, "" to persist nothing
	Database string `yaml:"Database" koanf:"Database"`

	// ExportRoot and ExportPrefix locate FITS exports
	ExportRoot   string `yaml:"ExportRoot" koanf:"ExportRoot"`
	ExportPrefix string `yaml:"ExportPrefix" koanf:"ExportPrefix"`

	Hook hook.Config `yaml:"Hook" koanf:"Hook"`

	Raster syncraster.Settings `yaml:"Raster" koanf:"Raster"`
}

// DefaultConfig is a simulated scanner serving on :8000
func DefaultConfig() Config {
	return Config{
		Addr:         ":8000",
		Endpoint:     "/raster",
		Hardware:     "sim",
		Sim:          SimSetup{ADC: 1, Counters: 1, PixelsPerTick: 20, TickMillis: 1},
		Database:     "syncraster.db",
		ExportRoot:   "exports",
		ExportPrefix: "scan",
		Raster:       syncraster.DefaultSettings(),
	}
}

// LoadYaml strictly decodes a yaml file over the default config, failing on
// unknown keys
func LoadYaml(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.UnmarshalStrict(b, &cfg)
	return cfg, err
}

// sanitizeEndpoint turns "raster/" into "/raster"
func sanitizeEndpoint(s string) string {
	s = "/" + strings.Trim(s, "/*")
	if s == "/" {
		return ""
	}
	return s
}

// NewHardware builds the acquisition hardware named by c.Hardware
func NewHardware(c Config) (syncraster.Hardware, error) {
	switch strings.ToLower(c.Hardware) {
	case "sim", "mock", "simulated":
		sim := daq.NewSim(c.Sim.ADC, c.Sim.Counters)
		sim.PixelsPerTick = c.Sim.PixelsPerTick
		if c.Sim.TickMillis > 0 {
			sim.Tick = time.Duration(c.Sim.TickMillis) * time.Millisecond
		}
		sim.DriftX, sim.DriftY = c.Sim.DriftX, c.Sim.DriftY
		return syncraster.SimHardware(sim), nil
	default:
		return syncraster.Hardware{}, fmt.Errorf("hardware type %q not understood", c.Hardware)
	}
}

// Setup is everything built from a Config
type Setup struct {
	M     *syncraster.Measurement
	Store *framestore.Store
	Rec   *imgrec.Recorder
	Hook  hook.PrePost
}

// Close releases the run file
func (s Setup) Close() error {
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// NewSetup opens the run file and builds the measurement.  opts.Hook is
// replaced by the hook of the config
func NewSetup(c Config, opts syncraster.Options) (Setup, error) {
	var (
		s   Setup
		err error
	)
	hw, err := NewHardware(c)
	if err != nil {
		return s, err
	}
	if c.Database != "" {
		s.Store, err = framestore.Open(c.Database)
		if err != nil {
			return s, fmt.Errorf("opening run file: %w", err)
		}
	}
	if c.ExportRoot != "" {
		s.Rec = imgrec.New(c.ExportRoot, c.ExportPrefix)
	}
	s.Hook = hook.New(c.Hook)
	opts.Hook = s.Hook
	s.M, err = syncraster.New(c.Raster, hw, s.Store, opts)
	if err != nil {
		s.Close()
		return s, err
	}
	return s, nil
}

// BuildMux binds the raster routes under c.Endpoint, with a lock that is
// held while a scan runs.  The root serves /endpoints, a map of endpoint to
// routes
func BuildMux(c Config, s Setup) (chi.Router, *raster.HTTPRaster) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	h := raster.NewHTTPRaster(s.M, s.Store, s.Rec)
	if inst, ok := s.Hook.(*hook.Instrument); ok {
		ascii.InjectRawComm(h, "/hook/raw", inst)
	}
	endpoint := sanitizeEndpoint(c.Endpoint)
	supergraph := map[string][]string{endpoint: h.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	h.RT().Bind(r)
	if endpoint == "" {
		root.Mount("/", r)
	} else {
		root.Mount(endpoint, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.Println(err)
		}
	})
	return root, h
}
