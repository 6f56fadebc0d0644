package framestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Runs lists every run in the store, oldest first
func (s *Store) Runs() ([]RunInfo, error) {
	s.Lock()
	defer s.Unlock()
	rows, err := s.db.Query(`SELECT id, time_id, started, finished, pattern, settings, status FROM runs ORDER BY started`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var (
			ri                RunInfo
			started, finished string
			settings          string
		)
		if err := rows.Scan(&ri.ID, &ri.TimeID, &started, &finished, &ri.Pattern, &settings, &ri.Status); err != nil {
			return nil, err
		}
		ri.Started = parseTime(started)
		ri.Finished = parseTime(finished)
		ri.Settings = json.RawMessage(settings)
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Attrs returns the attributes of a run
func (s *Store) Attrs(run string) (map[string]string, error) {
	s.Lock()
	defer s.Unlock()
	rows, err := s.db.Query(`SELECT key, value FROM attrs WHERE run = ?`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, run)
	}
	return out, rows.Err()
}

// Shape returns the shape of an array or framed dataset.  The leading axis of
// a framed dataset is its capacity
func (s *Store) Shape(run, name string) ([]int, error) {
	s.Lock()
	defer s.Unlock()
	var (
		shp      string
		capacity int
	)
	err := s.db.QueryRow(`SELECT frame_shape, capacity FROM datasets WHERE run = ? AND name = ?`, run, name).Scan(&shp, &capacity)
	if err == nil {
		var fs []int
		if err = json.Unmarshal([]byte(shp), &fs); err != nil {
			return nil, err
		}
		return append([]int{capacity}, fs...), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	err = s.db.QueryRow(`SELECT shape FROM arrays WHERE run = ? AND name = ?`, run, name).Scan(&shp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in run %s", ErrNotFound, name, run)
	} else if err != nil {
		return nil, err
	}
	var out []int
	err = json.Unmarshal([]byte(shp), &out)
	return out, err
}

// Frames returns the committed frame numbers of a dataset in ascending order
func (s *Store) Frames(run, name string) ([]int, error) {
	s.Lock()
	defer s.Unlock()
	rows, err := s.db.Query(`SELECT frame FROM frames WHERE run = ? AND dataset = ? ORDER BY frame`, run, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var f int
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReadFrame returns one frame of a dataset, converted to float64
func (s *Store) ReadFrame(run, name string, frame int) ([]float64, error) {
	s.Lock()
	defer s.Unlock()
	var (
		dt   string
		blob []byte
	)
	err := s.db.QueryRow(`SELECT d.dtype, f.data FROM frames f
		JOIN datasets d ON d.run = f.run AND d.name = f.dataset
		WHERE f.run = ? AND f.dataset = ? AND f.frame = ?`, run, name, frame).Scan(&dt, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s frame %d in run %s", ErrNotFound, name, frame, run)
	} else if err != nil {
		return nil, err
	}
	return decode(DType(dt), blob)
}

// ReadArray returns a static array and its shape, converted to float64
func (s *Store) ReadArray(run, name string) ([]int, []float64, error) {
	s.Lock()
	defer s.Unlock()
	var (
		dt, shp string
		blob    []byte
	)
	err := s.db.QueryRow(`SELECT dtype, shape, data FROM arrays WHERE run = ? AND name = ?`, run, name).Scan(&dt, &shp, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s in run %s", ErrNotFound, name, run)
	} else if err != nil {
		return nil, nil, err
	}
	var shape []int
	if err = json.Unmarshal([]byte(shp), &shape); err != nil {
		return nil, nil, err
	}
	data, err := decode(DType(dt), blob)
	return shape, data, err
}
