// Package imgrec names and writes exported FITS files with incrementing
// filenames in yyyy-mm-dd subfolders.
package imgrec

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/syncraster/generichttp"
	"github.com/nasa-jpl/syncraster/server"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders
type Recorder struct {
	mu sync.Mutex

	// counter is the number of the file being written
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string

	// last is the most recently written file
	last string

	now func() time.Time
}

// New returns a recorder writing under root
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix}
}

func (r *Recorder) updateFolder() {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	r.timeFldr = now().Format("2006-01-02")
}

func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

func (r *Recorder) name() string {
	return filepath.Join(r.Root, r.timeFldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
}

// Write implements io.Writer and appends to the current file
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err = r.mkDir(); err != nil {
		return 0, err
	}
	fn := r.name()
	fid, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return 0, err
	}
	defer fid.Close()
	r.last = fn
	return fid.Write(p)
}

// Incr moves to the next filename.  It scans today's folder to do so, so
// files written by earlier processes are not overwritten
func (r *Recorder) Incr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	dn, err := r.mkDir()
	if err != nil {
		return err
	}
	files, err := os.ReadDir(dn)
	if err != nil {
		return err
	}
	count := 0
	for _, file := range files {
		fn := file.Name()
		if file.IsDir() || !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits"))
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
	return nil
}

// Last returns the path of the most recently written file, "" if none
func (r *Recorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Root = str.Str
	rec.updateFolder()
	if _, err = rec.mkDir(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := server.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes for /export/root and /export/prefix to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/export/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/export/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/export/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/export/prefix"}] = h.GetPrefix
}
