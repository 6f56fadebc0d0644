package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/syncraster/syncraster"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "syncraster.yml"

	// EnvPrefix prefixes environment overrides, e.g. SYNCRASTER_RASTER__NFRAMES=4
	EnvPrefix = "SYNCRASTER_"

	k = koanf.New(".")
)

// envKey maps SYNCRASTER_RASTER__NFRAMES to the existing key Raster.NFrames
func envKey(s string) string {
	key := strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", ".")
	for _, existing := range k.Keys() {
		if strings.EqualFold(existing, key) {
			return existing
		}
	}
	return key
}

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadConfig() Config {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc()),
			Metadata:         nil,
			Result:           &c,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `syncrastersrv runs hardware synchronized raster scans and exposes them over HTTP.
An analog output steers the beam or stage through the scan while analog inputs
and edge counters, armed on its start trigger, acquire one value per pixel.

Usage:
	syncrastersrv <command>

Commands:
	run       serve the HTTP interface
	scan      run one scan from the configuration and exit
	runs      list the runs in the run file
	export    export a run to FITS, export <run|latest> [dataset]
	help
	mkconf
	conf
	validate
	version`
	fmt.Println(str)
}

func help() {
	str := `syncrastersrv is amenable to configuration via its .yaml file, ` + ConfigFileName + `.
For a primer on YAML, see https://yaml.org/start.html

mkconf writes the default configuration, a simulated scanner, to the file.
Any key may be overridden from the environment, prefixed by ` + EnvPrefix + ` with
double underscores between levels, e.g. ` + EnvPrefix + `RASTER__NFRAMES=4.

Scan patterns are raster, serpentine, trace_retrace, ortho_raster, and
ortho_trace_retrace.  Display channels are adc<N> or ctr<N>, counting the
enabled channels only.

Every run is written to the run file (Database) as it is acquired.  With a
blank Database nothing is kept.  Exports are FITS files, one per frame, under
ExportRoot in a folder per day.`
	fmt.Println(str)
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func validate() {
	c, err := LoadYaml(ConfigFileName)
	if err != nil {
		log.Fatalf("%s: %v", ConfigFileName, err)
	}
	if err = c.Raster.Validate(); err != nil {
		log.Fatalf("%s: %v", ConfigFileName, err)
	}
	if _, err = NewHardware(c); err != nil {
		log.Fatalf("%s: %v", ConfigFileName, err)
	}
	fmt.Printf("%s is valid\n", ConfigFileName)
}

func pversion() {
	fmt.Printf("syncrastersrv version %v\n", Version)
}

func newSpinner(suffix string) *yacspin.Spinner {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return spinner
}

func run() {
	c := loadConfig()
	s, err := NewSetup(c, syncraster.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	mux, _ := BuildMux(c, s)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func runScan() {
	c := loadConfig()
	spinner := newSpinner("scanning")
	s, err := NewSetup(c, syncraster.Options{OnFrame: func(ev syncraster.FrameEvent) {
		spinner.Message(fmt.Sprintf("frame %d, %.1f%%, offset (%.4g, %.4g)", ev.Frame, ev.Progress, ev.Offset.X, ev.Offset.Y))
	}})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	spinner.Start()
	err = s.M.Run(ctx)
	st := s.M.Status()
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("run %s %s", st.RunID, st.State))
	spinner.Stop()
}

func runs() {
	c := loadConfig()
	s, err := NewSetup(c, syncraster.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if s.Store == nil {
		log.Fatal("no run file configured")
	}
	infos, err := s.Store.Runs()
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range infos {
		fmt.Printf("%s  %s  %-20s %s\n", r.ID, r.TimeID, r.Pattern, r.Status)
	}
}

func export(args []string) {
	if len(args) < 1 {
		log.Fatal("usage: syncrastersrv export <run|latest> [dataset]")
	}
	c := loadConfig()
	s, err := NewSetup(c, syncraster.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	if s.Store == nil || s.Rec == nil {
		log.Fatal("export needs a run file and an export root")
	}
	id, dataset := args[0], "adc_map"
	if len(args) > 1 {
		dataset = args[1]
	}
	if id == "latest" {
		infos, err := s.Store.Runs()
		if err != nil {
			log.Fatal(err)
		}
		if len(infos) == 0 {
			log.Fatal("no runs to export")
		}
		id = infos[len(infos)-1].ID
	}
	spinner := newSpinner("exporting " + dataset)
	spinner.Start()
	files, err := s.Store.ExportFITS(id, dataset, s.Rec)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("%d frames written to %s", len(files), s.Rec.Root))
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "validate":
		validate()
		return
	case "run":
		run()
		return
	case "scan":
		runScan()
		return
	case "runs":
		runs()
		return
	case "export":
		export(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
