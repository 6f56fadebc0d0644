package syncraster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/syncraster/scan"
	"github.com/nasa-jpl/syncraster/util"
)

// ErrInvalidSettings is generated when settings fail validation
var ErrInvalidSettings = errors.New("invalid settings")

// Channel is a named input channel
type Channel struct {
	Name    string `yaml:"Name" koanf:"Name" json:"name"`
	Enabled bool   `yaml:"Enabled" koanf:"Enabled" json:"enabled"`
}

// DriftSettings configure drift correction
type DriftSettings struct {
	Enabled bool `yaml:"Enabled" koanf:"Enabled" json:"enabled"`

	// CorrelationExp sharpens the correlation, 0 is cross correlation and 1 phase correlation
	CorrelationExp float64 `yaml:"CorrelationExp" koanf:"CorrelationExp" json:"correlationExp"`

	// Upsample is the subpixel resolution, 1/Upsample pixels
	Upsample int `yaml:"Upsample" koanf:"Upsample" json:"upsample"`

	// ProportionalGain damps each correction, in (0, 1]
	ProportionalGain float64 `yaml:"ProportionalGain" koanf:"ProportionalGain" json:"proportionalGain"`

	// CorrectChan is the analog input channel (among the enabled ones) used for registration
	CorrectChan int `yaml:"CorrectChan" koanf:"CorrectChan" json:"correctChan"`

	// WindowAlpha is the taper fraction of the window, 0 rectangular to 1 Hann
	WindowAlpha float64 `yaml:"WindowAlpha" koanf:"WindowAlpha" json:"windowAlpha"`

	// MaxError rejects registrations with a larger error metric, 0 accepts all
	MaxError float64 `yaml:"MaxError" koanf:"MaxError" json:"maxError"`

	// MaxStep bounds a single correction on each axis, in actuator units.  0 is unbounded
	MaxStep float64 `yaml:"MaxStep" koanf:"MaxStep" json:"maxStep"`

	// SignX and SignY orient the image axes relative to the actuator, +1 or -1
	SignX float64 `yaml:"SignX" koanf:"SignX" json:"signX"`
	SignY float64 `yaml:"SignY" koanf:"SignY" json:"signY"`
}

// Settings are the configuration of a measurement
type Settings struct {
	Scan scan.Params `yaml:"Scan" koanf:"Scan" json:"scan"`

	// ADCRate is the analog input sample rate, Hz.  The pixel rate is ADCRate/ADCOversample
	ADCRate float64 `yaml:"ADCRate" koanf:"ADCRate" json:"adcRate"`

	ADCOversample int `yaml:"ADCOversample" koanf:"ADCOversample" json:"adcOversample"`

	// Continuous scans until stopped; NFrames is then the growth increment of the datasets
	Continuous bool `yaml:"Continuous" koanf:"Continuous" json:"continuous"`
	NFrames    int  `yaml:"NFrames" koanf:"NFrames" json:"nFrames"`

	// PollPeriod is the target latency of the data, seconds
	PollPeriod float64 `yaml:"PollPeriod" koanf:"PollPeriod" json:"pollPeriod"`

	// DisplayUpdatePeriod throttles display updates and progress logging, seconds
	DisplayUpdatePeriod float64 `yaml:"DisplayUpdatePeriod" koanf:"DisplayUpdatePeriod" json:"displayUpdatePeriod"`

	// DisplayChan is adc<N> or ctr<N>, indexing the enabled channels
	DisplayChan string `yaml:"DisplayChan" koanf:"DisplayChan" json:"displayChan"`

	ADC      []Channel `yaml:"ADC" koanf:"ADC" json:"adc"`
	Counters []Channel `yaml:"Counters" koanf:"Counters" json:"counters"`

	// ClockSource is an external sample clock terminal, "" for the onboard clock
	ClockSource string `yaml:"ClockSource" koanf:"ClockSource" json:"clockSource"`

	// TriggerOutputTerm exports the start trigger to this terminal, "" for none
	TriggerOutputTerm string `yaml:"TriggerOutputTerm" koanf:"TriggerOutputTerm" json:"triggerOutputTerm"`

	// ConnectWait is the pause before the one retry of a failed connect, seconds
	ConnectWait float64 `yaml:"ConnectWait" koanf:"ConnectWait" json:"connectWait"`

	XLimit util.Limiter `yaml:"XLimit" koanf:"XLimit" json:"xLimit"`
	YLimit util.Limiter `yaml:"YLimit" koanf:"YLimit" json:"yLimit"`

	Drift DriftSettings `yaml:"Drift" koanf:"Drift" json:"drift"`
}

// DefaultSettings returns a small raster over [-1, 1] with one analog input and one counter
func DefaultSettings() Settings {
	return Settings{
		Scan:                scan.Params{Rows: 10, Cols: 10, X0: -1, X1: 1, Y0: -1, Y1: 1, Pattern: scan.Raster},
		ADCRate:             20000,
		ADCOversample:       1,
		NFrames:             2,
		PollPeriod:          0.05,
		DisplayUpdatePeriod: 0.25,
		DisplayChan:         "adc0",
		ADC:                 []Channel{{Name: "ai0", Enabled: true}},
		Counters:            []Channel{{Name: "ctr0", Enabled: true}},
		TriggerOutputTerm:   "PXI_Trig0",
		ConnectWait:         1,
		XLimit:              util.Limiter{Min: -10, Max: 10},
		YLimit:              util.Limiter{Min: -10, Max: 10},
		Drift: DriftSettings{
			CorrelationExp:   0.5,
			Upsample:         10,
			ProportionalGain: 0.5,
			WindowAlpha:      0.5,
			SignX:            -1,
			SignY:            -1,
		},
	}
}

func enabled(chs []Channel) []string {
	var out []string
	for _, c := range chs {
		if c.Enabled {
			out = append(out, c.Name)
		}
	}
	return out
}

// EnabledADC returns the names of the enabled analog inputs
func (s Settings) EnabledADC() []string {
	return enabled(s.ADC)
}

// EnabledCounters returns the names of the enabled counters
func (s Settings) EnabledCounters() []string {
	return enabled(s.Counters)
}

// PixelRate is the rate of the output, one sample per pixel
func (s Settings) PixelRate() float64 {
	os := s.ADCOversample
	if os < 1 {
		os = 1
	}
	return s.ADCRate / float64(os)
}

// parseChan splits adc<N> or ctr<N>
func parseChan(s string) (string, int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, kind := range []string{"adc", "ctr"} {
		if strings.HasPrefix(s, kind) {
			n, err := strconv.Atoi(s[len(kind):])
			if err != nil || n < 0 {
				break
			}
			return kind, n, nil
		}
	}
	return "", 0, fmt.Errorf("%w: display channel %q is not adc<N> or ctr<N>", ErrInvalidSettings, s)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidSettings}, args...)...)
}

// Validate checks the settings for consistency
func (s Settings) Validate() error {
	p := s.Scan
	if p.Rows < 1 || p.Cols < 1 {
		return invalid("scan is %dx%d", p.Rows, p.Cols)
	}
	if p.Npixels()%2 != 0 {
		return invalid("%d pixels per pass, the output refills half a pass at a time so it must be even", p.Npixels())
	}
	if s.ADCRate <= 0 {
		return invalid("ADCRate must be > 0")
	}
	if s.ADCOversample < 1 {
		return invalid("ADCOversample must be >= 1")
	}
	if s.NFrames < 1 {
		return invalid("NFrames must be >= 1")
	}
	if s.PollPeriod <= 0 {
		return invalid("PollPeriod must be > 0")
	}
	nadc, nctr := len(s.EnabledADC()), len(s.EnabledCounters())
	if nadc+nctr == 0 {
		return invalid("no input channels enabled")
	}
	kind, n, err := parseChan(s.DisplayChan)
	if err != nil {
		return err
	}
	if (kind == "adc" && n >= nadc) || (kind == "ctr" && n >= nctr) {
		return invalid("display channel %s is not enabled", s.DisplayChan)
	}
	d := s.Drift
	if !d.Enabled {
		return nil
	}
	if nadc == 0 || d.CorrectChan < 0 || d.CorrectChan >= nadc {
		return invalid("drift correction channel %d is not an enabled analog input", d.CorrectChan)
	}
	if d.ProportionalGain <= 0 || d.ProportionalGain > 1 {
		return invalid("ProportionalGain must be in (0, 1], got %g", d.ProportionalGain)
	}
	if d.CorrelationExp < 0 || d.CorrelationExp > 1 {
		return invalid("CorrelationExp must be in [0, 1], got %g", d.CorrelationExp)
	}
	if d.Upsample < 1 {
		return invalid("Upsample must be >= 1")
	}
	if p.Rows < 2 || p.Cols < 2 {
		return invalid("drift correction needs at least a 2x2 scan")
	}
	return nil
}
