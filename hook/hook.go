// Package hook runs commands on an auxiliary instrument before and after a scan,
// e.g. opening a shutter or releasing a beam blanker.
package hook

import (
	"context"
	"fmt"
	"log"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/syncraster/comm"
)

// PrePost is called around the acquisition of a scan
type PrePost interface {
	// PreScan runs before the tasks start.  An error aborts the scan
	PreScan(context.Context) error

	// PostScan runs after the tasks stop, on every exit path
	PostScan(context.Context) error
}

// Nop is a PrePost which does nothing
type Nop struct{}

// PreScan implements PrePost
func (Nop) PreScan(context.Context) error { return nil }

// PostScan implements PrePost
func (Nop) PostScan(context.Context) error { return nil }

// Config describes an ASCII instrument and the commands sent to it
type Config struct {
	// Addr is host:port, or a serial port when Baud is nonzero
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Baud is the serial baud rate, 0 for TCP
	Baud int `yaml:"Baud" koanf:"Baud"`

	// Pre and Post are sent in order before and after the scan
	Pre  []string `yaml:"Pre" koanf:"Pre"`
	Post []string `yaml:"Post" koanf:"Post"`

	// Reply is true if the instrument answers every command with a line
	Reply bool `yaml:"Reply" koanf:"Reply"`
}

// Instrument is a PrePost which sends ASCII commands over a comm.RemoteDevice
type Instrument struct {
	cfg Config
	dev *comm.RemoteDevice
}

// New returns an Instrument for cfg, or Nop if cfg has no address
func New(cfg Config) PrePost {
	if cfg.Addr == "" {
		return Nop{}
	}
	return NewInstrument(cfg)
}

// NewInstrument returns an Instrument for cfg
func NewInstrument(cfg Config) *Instrument {
	var sc *serial.Config
	if cfg.Baud != 0 {
		sc = &serial.Config{Baud: cfg.Baud}
	}
	return &Instrument{cfg: cfg, dev: comm.NewRemoteDevice(cfg.Addr, sc)}
}

// Raw sends a command and returns the reply, if the instrument gives one
func (in *Instrument) Raw(cmd string) (string, error) {
	if err := in.dev.Open(); err != nil {
		return "", err
	}
	defer in.dev.Close()
	return in.raw(cmd)
}

func (in *Instrument) raw(cmd string) (string, error) {
	if !in.cfg.Reply {
		return "", in.dev.Send([]byte(cmd))
	}
	resp, err := in.dev.SendRecv([]byte(cmd))
	return string(resp), err
}

func (in *Instrument) run(ctx context.Context, stage string, cmds []string) error {
	if len(cmds) == 0 {
		return nil
	}
	if err := in.dev.Open(); err != nil {
		return err
	}
	defer in.dev.Close()
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := in.raw(c)
		if err != nil {
			return fmt.Errorf("%s hook %q: %w", stage, c, err)
		}
		log.Printf("hook: %s %q -> %q", stage, c, resp)
	}
	return nil
}

// PreScan implements PrePost
func (in *Instrument) PreScan(ctx context.Context) error {
	return in.run(ctx, "pre-scan", in.cfg.Pre)
}

// PostScan implements PrePost
func (in *Instrument) PostScan(ctx context.Context) error {
	return in.run(ctx, "post-scan", in.cfg.Post)
}
