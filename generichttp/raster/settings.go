package raster

import (
	"net/http"

	"github.com/nasa-jpl/syncraster/generichttp"
	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/syncraster"
)

// floatSetting binds GET and POST routes at path to one float field of the settings
func (h *HTTPRaster) floatSetting(path string, field func(*syncraster.Settings) *float64) {
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = generichttp.GetFloat(func() (float64, error) {
		s := h.M.Settings()
		return *field(&s), nil
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = generichttp.SetFloat(func(f float64) error {
		return h.M.UpdateSettings(func(s *syncraster.Settings) { *field(s) = f })
	})
}

func (h *HTTPRaster) intSetting(path string, field func(*syncraster.Settings) *int) {
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = generichttp.GetInt(func() (int, error) {
		s := h.M.Settings()
		return *field(&s), nil
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = generichttp.SetInt(func(i int) error {
		return h.M.UpdateSettings(func(s *syncraster.Settings) { *field(s) = i })
	})
}

func (h *HTTPRaster) boolSetting(path string, field func(*syncraster.Settings) *bool) {
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = generichttp.GetBool(func() (bool, error) {
		s := h.M.Settings()
		return *field(&s), nil
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = generichttp.SetBool(func(b bool) error {
		return h.M.UpdateSettings(func(s *syncraster.Settings) { *field(s) = b })
	})
}

func (h *HTTPRaster) stringSetting(path string, field func(*syncraster.Settings) *string) {
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: path}] = generichttp.GetString(func() (string, error) {
		s := h.M.Settings()
		return *field(&s), nil
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: path}] = generichttp.SetString(func(str string) error {
		return h.M.UpdateSettings(func(s *syncraster.Settings) { *field(s) = str })
	})
}

// bindSettings adds a GET and POST route for each scalar setting
func (h *HTTPRaster) bindSettings() {
	h.intSetting("/scan/rows", func(s *syncraster.Settings) *int { return &s.Scan.Rows })
	h.intSetting("/scan/cols", func(s *syncraster.Settings) *int { return &s.Scan.Cols })
	h.floatSetting("/scan/x0", func(s *syncraster.Settings) *float64 { return &s.Scan.X0 })
	h.floatSetting("/scan/x1", func(s *syncraster.Settings) *float64 { return &s.Scan.X1 })
	h.floatSetting("/scan/y0", func(s *syncraster.Settings) *float64 { return &s.Scan.Y0 })
	h.floatSetting("/scan/y1", func(s *syncraster.Settings) *float64 { return &s.Scan.Y1 })

	h.floatSetting("/adc/rate", func(s *syncraster.Settings) *float64 { return &s.ADCRate })
	h.intSetting("/adc/oversample", func(s *syncraster.Settings) *int { return &s.ADCOversample })
	h.intSetting("/frames", func(s *syncraster.Settings) *int { return &s.NFrames })
	h.boolSetting("/continuous", func(s *syncraster.Settings) *bool { return &s.Continuous })
	h.floatSetting("/poll-period", func(s *syncraster.Settings) *float64 { return &s.PollPeriod })
	h.stringSetting("/display-channel", func(s *syncraster.Settings) *string { return &s.DisplayChan })

	h.boolSetting("/drift/enabled", func(s *syncraster.Settings) *bool { return &s.Drift.Enabled })
	h.floatSetting("/drift/gain", func(s *syncraster.Settings) *float64 { return &s.Drift.ProportionalGain })
	h.floatSetting("/drift/exponent", func(s *syncraster.Settings) *float64 { return &s.Drift.CorrelationExp })
	h.intSetting("/drift/upsample", func(s *syncraster.Settings) *int { return &s.Drift.Upsample })
	h.intSetting("/drift/channel", func(s *syncraster.Settings) *int { return &s.Drift.CorrectChan })
	h.floatSetting("/drift/max-error", func(s *syncraster.Settings) *float64 { return &s.Drift.MaxError })

	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/pattern"}] = generichttp.GetString(func() (string, error) {
		return scan.FormatPattern(h.M.Params().Pattern), nil
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/pattern"}] = generichttp.SetString(func(str string) error {
		p, err := scan.ValidatePattern(str)
		if err != nil {
			return err
		}
		return h.M.UpdateSettings(func(s *syncraster.Settings) { s.Scan.Pattern = p })
	})
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/patterns"}] = generichttp.GetJSON(func() (interface{}, error) {
		return scan.Patterns(), nil
	})
}
