package framestore

import (
	"fmt"
	"log"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/syncraster/imgrec"
)

// writeFits streams one frame to rec as a FITS file.  The frame is stored
// C order, so the FITS axes are the frame shape reversed
func writeFits(rec *imgrec.Recorder, cards []fitsio.Card, frameShape []int, data []float64) error {
	fits, err := fitsio.Create(rec)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := make([]int, len(frameShape))
	for i, d := range frameShape {
		dims[len(dims)-1-i] = d
	}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	if err = im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

// ExportFITS writes every committed frame of a dataset to its own FITS file
// and returns the paths written
func (s *Store) ExportFITS(run, name string, rec *imgrec.Recorder) ([]string, error) {
	shape, err := s.Shape(run, name)
	if err != nil {
		return nil, err
	}
	attrs, err := s.Attrs(run)
	if err != nil {
		return nil, err
	}
	frames, err := s.Frames(run, name)
	if err != nil {
		return nil, err
	}
	cards := []fitsio.Card{
		{Name: "RUN", Value: run, Comment: "run identifier"},
		{Name: "TIMEID", Value: attrs["time_id"], Comment: "run start time"},
		{Name: "DATASET", Value: name},
	}
	if _, ext, err := s.ReadArray(run, "imshow_extent"); err == nil && len(ext) == 4 {
		cards = append(cards,
			fitsio.Card{Name: "X0", Value: ext[0], Comment: "left edge of the scan"},
			fitsio.Card{Name: "X1", Value: ext[1], Comment: "right edge of the scan"},
			fitsio.Card{Name: "Y0", Value: ext[2], Comment: "bottom edge of the scan"},
			fitsio.Card{Name: "Y1", Value: ext[3], Comment: "top edge of the scan"})
	}
	var paths []string
	for _, f := range frames {
		data, err := s.ReadFrame(run, name, f)
		if err != nil {
			return paths, err
		}
		if err = rec.Incr(); err != nil {
			return paths, err
		}
		c := append(append([]fitsio.Card{}, cards...), fitsio.Card{Name: "FRAME", Value: f, Comment: "frame number"})
		if err = writeFits(rec, c, shape[1:], data); err != nil {
			return paths, fmt.Errorf("exporting %s frame %d: %w", name, f, err)
		}
		paths = append(paths, rec.Last())
	}
	log.Printf("framestore: exported %d frames of %s/%s", len(paths), run, name)
	return paths, nil
}
