// Package framestore persists scan runs to a single SQLite file.
//
// A run holds string attributes, static arrays (the scan index, the display
// extent), and framed datasets.  A framed dataset is an array whose leading
// axis is the frame number; its capacity is fixed for finite scans and grows
// in whole chunks for continuous scans.  Every frame is written in its own
// transaction, so a crash loses at most the frame in flight.
package framestore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrFull is generated when a frame lands past the end of a fixed size dataset
	ErrFull = errors.New("frame is beyond the capacity of a fixed size dataset")

	// ErrShape is generated when data does not match the shape it is written to
	ErrShape = errors.New("data does not match dataset shape")

	// ErrNotFound is generated when a run, dataset, array, or frame does not exist
	ErrNotFound = errors.New("not found")
)

const (
	// StatusRunning marks a run in progress (or one that crashed)
	StatusRunning = "running"

	// StatusComplete marks a run that acquired every frame
	StatusComplete = "complete"

	// StatusInterrupted marks a run stopped early
	StatusInterrupted = "interrupted"

	// StatusFailed marks a run that ended with an error
	StatusFailed = "failed"
)

// Store is a run file
type Store struct {
	sync.Mutex

	db   *sql.DB
	path string
}

// Open opens or creates the run file at path and brings its schema up to date
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection; an in-memory database is per connection and writes are serial anyway
	db.SetMaxOpenConns(1)
	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err = s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path is the file the store was opened from
func (s *Store) Path() string {
	return s.path
}

// Close closes the run file
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed, that would close the database
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// RunInfo describes one run
type RunInfo struct {
	ID string `json:"id"`

	// TimeID is a human readable timestamp used to name exports
	TimeID string `json:"timeId"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`

	Pattern string `json:"pattern"`

	// Settings is the JSON encoded configuration of the run
	Settings json.RawMessage `json:"settings,omitempty"`

	Status string `json:"status"`
}

// TimeID formats t the way runs are labeled
func TimeID(t time.Time) string {
	return t.Format("2006-01-02T15-04-05")
}

// Run is a handle to a run being written
type Run struct {
	s  *Store
	id string
}

// CreateRun adds a run to the store.  Missing ID, TimeID, and Started are filled in
func (s *Store) CreateRun(info RunInfo) (*Run, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	if info.TimeID == "" {
		info.TimeID = TimeID(info.Started)
	}
	if len(info.Settings) == 0 {
		info.Settings = json.RawMessage("{}")
	}
	s.Lock()
	defer s.Unlock()
	_, err := s.db.Exec(`INSERT INTO runs (id, time_id, started, pattern, settings, status) VALUES (?, ?, ?, ?, ?, ?)`,
		info.ID, info.TimeID, info.Started.Format(time.RFC3339Nano), info.Pattern, string(info.Settings), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if _, err = s.db.Exec(`INSERT INTO attrs (run, key, value) VALUES (?, 'time_id', ?)`, info.ID, info.TimeID); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return &Run{s: s, id: info.ID}, nil
}

// ID is the run's identifier
func (r *Run) ID() string {
	return r.id
}

// Finish marks the run with a final status
func (r *Run) Finish(status string) error {
	r.s.Lock()
	defer r.s.Unlock()
	_, err := r.s.db.Exec(`UPDATE runs SET status = ?, finished = ? WHERE id = ?`, status, time.Now().Format(time.RFC3339Nano), r.id)
	return err
}

// SetAttr sets a string attribute of the run
func (r *Run) SetAttr(key, value string) error {
	r.s.Lock()
	defer r.s.Unlock()
	_, err := r.s.db.Exec(`INSERT INTO attrs (run, key, value) VALUES (?, ?, ?)
		ON CONFLICT(run, key) DO UPDATE SET value = excluded.value`, r.id, key, value)
	return err
}

// WriteArray writes a static array.  data is a []float64, []int64, or []int
func (r *Run) WriteArray(name string, shape []int, data interface{}) error {
	dt, n, err := dtypeOf(data)
	if err != nil {
		return err
	}
	if n != prod(shape) {
		return fmt.Errorf("%w: %s has %d elements, shape %v holds %d", ErrShape, name, n, shape, prod(shape))
	}
	blob, err := encode(dt, data)
	if err != nil {
		return err
	}
	shp, _ := json.Marshal(shape)
	r.s.Lock()
	defer r.s.Unlock()
	_, err = r.s.db.Exec(`INSERT INTO arrays (run, name, dtype, shape, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run, name) DO UPDATE SET dtype = excluded.dtype, shape = excluded.shape, data = excluded.data`,
		r.id, name, string(dt), string(shp), blob)
	return err
}

// Dataset is a framed dataset of a run
type Dataset struct {
	run        *Run
	Name       string
	DType      DType
	FrameShape []int
	Growable   bool

	chunk    int
	capacity int
	frameLen int
}

// CreateFramedDataset creates a dataset of frames with shape frameShape.  The
// dataset holds frames frames, and if growable extends by that many whenever
// a frame would not fit
func (r *Run) CreateFramedDataset(name string, dtype DType, frameShape []int, frames int, growable bool) (*Dataset, error) {
	if frames < 1 {
		frames = 1
	}
	for _, d := range frameShape {
		if d < 1 {
			return nil, fmt.Errorf("%w: %s frame shape %v", ErrShape, name, frameShape)
		}
	}
	shp, _ := json.Marshal(frameShape)
	r.s.Lock()
	defer r.s.Unlock()
	_, err := r.s.db.Exec(`INSERT INTO datasets (run, name, dtype, frame_shape, capacity, chunk, growable) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.id, name, string(dtype), string(shp), frames, frames, growable)
	if err != nil {
		return nil, fmt.Errorf("creating dataset %s: %w", name, err)
	}
	fs := make([]int, len(frameShape))
	copy(fs, frameShape)
	return &Dataset{
		run:        r,
		Name:       name,
		DType:      dtype,
		FrameShape: fs,
		Growable:   growable,
		chunk:      frames,
		capacity:   frames,
		frameLen:   prod(frameShape),
	}, nil
}

// Capacity is the length of the frame axis
func (d *Dataset) Capacity() int {
	d.run.s.Lock()
	defer d.run.s.Unlock()
	return d.capacity
}

// grownCapacity returns the capacity needed to hold frame
func (d *Dataset) grownCapacity(frame int) (int, error) {
	if frame < d.capacity {
		return d.capacity, nil
	}
	if !d.Growable {
		return d.capacity, fmt.Errorf("%w: %s frame %d, capacity %d", ErrFull, d.Name, frame, d.capacity)
	}
	return d.chunk * (1 + frame/d.chunk), nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (d *Dataset) extend(ex execer, frame int) (bool, error) {
	c, err := d.grownCapacity(frame)
	if err != nil || c == d.capacity {
		return false, err
	}
	if _, err = ex.Exec(`UPDATE datasets SET capacity = ? WHERE run = ? AND name = ?`, c, d.run.id, d.Name); err != nil {
		return false, err
	}
	log.Printf("framestore: extended %s to %d frames", d.Name, c)
	d.capacity = c
	return true, nil
}

// ExtendIfNeeded grows the dataset so that frame fits, returning true if it grew
func (d *Dataset) ExtendIfNeeded(frame int) (bool, error) {
	d.run.s.Lock()
	defer d.run.s.Unlock()
	return d.extend(d.run.s.db, frame)
}

// CommitFrame writes one frame, extending the dataset first if needed.  The
// extension and the write are one transaction, committed before returning.
// data is a []float64, []int64, or []int and is converted to the dataset's type
func (d *Dataset) CommitFrame(frame int, data interface{}) error {
	_, n, err := dtypeOf(data)
	if err != nil {
		return err
	}
	if n != d.frameLen {
		return fmt.Errorf("%w: %s frame has %d elements, need %d", ErrShape, d.Name, n, d.frameLen)
	}
	blob, err := encode(d.DType, data)
	if err != nil {
		return err
	}
	s := d.run.s
	s.Lock()
	defer s.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	prev := d.capacity
	if _, err = d.extend(tx, frame); err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.Exec(`INSERT INTO frames (run, dataset, frame, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(run, dataset, frame) DO UPDATE SET data = excluded.data`, d.run.id, d.Name, frame, blob)
	if err != nil {
		tx.Rollback()
		d.capacity = prev
		return fmt.Errorf("writing %s frame %d: %w", d.Name, frame, err)
	}
	if err = tx.Commit(); err != nil {
		d.capacity = prev
		return fmt.Errorf("writing %s frame %d: %w", d.Name, frame, err)
	}
	return nil
}

func prod(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
