// Package raster provides an HTTP interface to a synchronized raster scan
package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi"
	"gonum.org/v1/gonum/floats"

	"github.com/nasa-jpl/syncraster/framestore"
	"github.com/nasa-jpl/syncraster/generichttp"
	"github.com/nasa-jpl/syncraster/imgrec"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/server"
	"github.com/nasa-jpl/syncraster/server/middleware/locker"
	"github.com/nasa-jpl/syncraster/syncraster"
)

// errStatus maps the errors of a measurement to HTTP status codes
func errStatus(err error) int {
	switch {
	case errors.Is(err, syncraster.ErrInvalidSettings),
		errors.Is(err, scan.ErrBadPattern),
		errors.Is(err, scan.ErrOutOfRange),
		errors.Is(err, scan.ErrBadSize):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrScanRunning):
		return http.StatusConflict
	case errors.Is(err, syncraster.ErrNotRunning),
		errors.Is(err, framestore.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// HTTPRaster wraps a measurement in an HTTP interface
type HTTPRaster struct {
	M     *syncraster.Measurement
	Store *framestore.Store
	Rec   *imgrec.Recorder

	// Lock is held while a scan runs, bouncing mutating requests other than stop
	Lock *locker.Locker

	RouteTable generichttp.RouteTable

	mu      sync.Mutex
	lastErr error
	wg      sync.WaitGroup
}

// NewHTTPRaster returns a new HTTP wrapper.  store and rec may be nil
func NewHTTPRaster(m *syncraster.Measurement, store *framestore.Store, rec *imgrec.Recorder) *HTTPRaster {
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "stop", "export")
	h := &HTTPRaster{M: m, Store: store, Rec: rec, Lock: lock}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/start"}: h.Start,
		{Method: http.MethodPost, Path: "/stop"}:  h.Stop,
		{Method: http.MethodGet, Path: "/status"}: generichttp.GetJSON(func() (interface{}, error) {
			return h.M.Status(), nil
		}),
		{Method: http.MethodGet, Path: "/running"}: generichttp.GetBool(func() (bool, error) {
			return h.M.Running(), nil
		}),
		{Method: http.MethodGet, Path: "/progress"}: generichttp.GetFloat(func() (float64, error) {
			return h.M.Progress(), nil
		}),
		{Method: http.MethodGet, Path: "/plan"}: generichttp.GetJSON(func() (interface{}, error) {
			return h.M.Plan(), nil
		}),
		{Method: http.MethodGet, Path: "/error"}: generichttp.GetString(func() (string, error) {
			if err := h.LastErr(); err != nil {
				return err.Error(), nil
			}
			return "", nil
		}),
		{Method: http.MethodGet, Path: "/latest.png"}:   h.LatestPNG,
		{Method: http.MethodGet, Path: "/settings"}:     h.GetSettings,
		{Method: http.MethodPost, Path: "/settings"}:    h.SetSettings,
		{Method: http.MethodGet, Path: "/geometry"}:     h.GetGeometry,
		{Method: http.MethodGet, Path: "/drift/offset"}: h.GetDriftOffset,
	}
	h.RouteTable = rt
	h.bindSettings()
	if store != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs"}] = generichttp.GetJSON(func() (interface{}, error) {
			return h.Store.Runs()
		})
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs/{run}/attrs"}] = h.GetAttrs
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/export"}] = h.Export
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/export/last"}] = h.GetLastExport
	}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(h)
	}
	locker.Inject(h, lock)
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPRaster) RT() generichttp.RouteTable {
	return h.RouteTable
}

// LastErr is the error the last scan started over HTTP ended with
func (h *HTTPRaster) LastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Wait blocks until scans started over HTTP have returned
func (h *HTTPRaster) Wait() {
	h.wg.Wait()
}

func (h *HTTPRaster) run(ctx context.Context) error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	err := h.M.Run(ctx)
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	if err != nil {
		log.Printf("raster: scan ended with error: %v", err)
	}
	return err
}

// Start begins a scan.  By default the scan runs in the background and Start
// replies 202 immediately.  With ?wait=true it replies with the final status
// once the scan returns, and a client disconnect interrupts the scan
func (h *HTTPRaster) Start(w http.ResponseWriter, r *http.Request) {
	if h.M.Running() {
		http.Error(w, scan.ErrScanRunning.Error(), http.StatusConflict)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		if err := h.run(r.Context()); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		generichttp.GetJSON(func() (interface{}, error) { return h.M.Status(), nil })(w, r)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(context.Background())
	}()
	w.WriteHeader(http.StatusAccepted)
}

// Stop interrupts the running scan
func (h *HTTPRaster) Stop(w http.ResponseWriter, r *http.Request) {
	h.M.Interrupt()
	w.WriteHeader(http.StatusOK)
}

// GetSettings replies with the settings as JSON
func (h *HTTPRaster) GetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.M.Settings())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetSettings decodes a JSON body over the current settings, so a partial
// object changes only the fields it names
func (h *HTTPRaster) SetSettings(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var derr error
	err := h.M.UpdateSettings(func(s *syncraster.Settings) {
		derr = json.NewDecoder(r.Body).Decode(s)
	})
	if derr != nil {
		http.Error(w, derr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type geometry struct {
	Npixels   int        `json:"npixels"`
	Subframes int        `json:"subframes"`
	Rows      int        `json:"rows"`
	Cols      int        `json:"cols"`
	Extent    [4]float64 `json:"extent"`
	Index     []int      `json:"index,omitempty"`
}

// GetGeometry replies with the geometry of the configured scan.  ?index=true
// includes the flattened (subframe, row, col) index of every pixel
func (h *HTTPRaster) GetGeometry(w http.ResponseWriter, r *http.Request) {
	g, err := h.M.Geometry()
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	out := geometry{Npixels: g.Npixels, Subframes: g.Subframes, Rows: g.Rows, Cols: g.Cols, Extent: g.Extent}
	if r.URL.Query().Get("index") == "true" {
		out.Index = g.IndexArray()
	}
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetDriftOffset replies with the cumulative drift offset as {"x": .., "y": ..}
func (h *HTTPRaster) GetDriftOffset(w http.ResponseWriter, r *http.Request) {
	off := h.M.DriftOffset()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]float64{"x": off.X, "y": off.Y})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// LatestPNG replies with the frame being filled on the display channel as an
// 8-bit grayscale PNG, scaled from its minimum to its maximum.  The frame
// number is in the X-Frame header
func (h *HTTPRaster) LatestPNG(w http.ResponseWriter, r *http.Request) {
	frame, img, rows, cols, err := h.M.Latest()
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	im := Gray(img, rows, cols)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame", fmt.Sprint(frame))
	w.WriteHeader(http.StatusOK)
	png.Encode(w, im)
}

// Gray scales a rows x cols image to 8 bits, min to black and max to white
func Gray(img []float64, rows, cols int) *image.Gray {
	buf := make([]byte, rows*cols)
	if len(img) > 0 {
		lo, hi := floats.Min(img), floats.Max(img)
		span := hi - lo
		for i := 0; i < len(buf) && i < len(img); i++ {
			if span > 0 {
				buf[i] = byte(255 * (img[i] - lo) / span)
			}
		}
	}
	return &image.Gray{Pix: buf, Stride: cols, Rect: image.Rect(0, 0, cols, rows)}
}

// GetAttrs replies with the attributes of a run
func (h *HTTPRaster) GetAttrs(w http.ResponseWriter, r *http.Request) {
	attrs, err := h.Store.Attrs(chi.URLParam(r, "run"))
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(attrs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type exportRequest struct {
	Run     string `json:"run"`
	Dataset string `json:"dataset"`
}

// Export writes a dataset of a run to FITS files, one per frame, and replies
// with their paths.  An empty run exports the most recent one, an empty
// dataset adc_map
func (h *HTTPRaster) Export(w http.ResponseWriter, r *http.Request) {
	if h.Rec == nil {
		http.Error(w, "no export folder configured", http.StatusNotFound)
		return
	}
	req := exportRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Dataset == "" {
		req.Dataset = "adc_map"
	}
	if req.Run == "" {
		runs, err := h.Store.Runs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(runs) == 0 {
			http.Error(w, "no runs to export", http.StatusNotFound)
			return
		}
		req.Run = runs[len(runs)-1].ID
	}
	files, err := h.Store.ExportFITS(req.Run, req.Dataset, h.Rec)
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(files); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetLastExport replies with the last file written by an export
func (h *HTTPRaster) GetLastExport(w http.ResponseWriter, r *http.Request) {
	if h.Rec == nil || h.Rec.Last() == "" {
		http.Error(w, "nothing has been exported", http.StatusNotFound)
		return
	}
	fldr, fn := filepath.Split(h.Rec.Last())
	server.ReplyWithFile(w, r, fn, fldr)
}
