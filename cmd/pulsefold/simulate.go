package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/dudk/pulsefold/input/wav"
	"github.com/dudk/pulsefold/signal"
)

type simulateCommand struct {
	out       string
	rate      float64
	period    float64
	duration  float64
	duty      float64
	amplitude float64
	noise     float64
	npol      int
	seed      int64
}

func (cmd *simulateCommand) Name() string {
	return "simulate"
}

func (cmd *simulateCommand) Help() string {
	return "Write a wav file with a simulated pulsar"
}

func (cmd *simulateCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.out, "out", "", "wav file to write (required)")
	fs.Float64Var(&cmd.rate, "rate", 8000, "samples per second")
	fs.Float64Var(&cmd.period, "period", 0.1, "pulse period in seconds")
	fs.Float64Var(&cmd.duration, "duration", 10, "length in seconds")
	fs.Float64Var(&cmd.duty, "duty", 0.05, "fraction of the period the pulse is on")
	fs.Float64Var(&cmd.amplitude, "amplitude", 0.2, "pulse amplitude relative to full scale")
	fs.Float64Var(&cmd.noise, "noise", 0.1, "noise deviation relative to full scale")
	fs.IntVar(&cmd.npol, "npol", 1, "number of polarizations")
	fs.Int64Var(&cmd.seed, "seed", 1, "noise seed")
}

func (cmd *simulateCommand) Run(stdout io.Writer) error {
	if cmd.out == "" {
		return errors.New("missing -out required flag")
	}
	if cmd.rate <= 0 || cmd.period <= 0 || cmd.npol < 1 {
		return fmt.Errorf("invalid -rate %v -period %v -npol %d", cmd.rate, cmd.period, cmd.npol)
	}
	obs := signal.Observation{
		Rate:  cmd.rate,
		NChan: 1,
		NPol:  cmd.npol,
		NDim:  1,
		NBit:  16,
	}
	w, err := wav.Create(cmd.out, obs)
	if err != nil {
		return err
	}
	total := int(cmd.duration * cmd.rate)
	if err := cmd.write(w, obs, total); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d samples written to %s\n", total, cmd.out)
	return nil
}

func (cmd *simulateCommand) write(w *wav.Writer, obs signal.Observation, total int) error {
	const blockSize = 4096
	var (
		r     = rand.New(rand.NewSource(cmd.seed))
		full  = signal.BitDepth16.FullScale()
		block = signal.NewBitSeries(obs)
	)
	for idat := 0; idat < total; idat += blockSize {
		n := min(blockSize, total-idat)
		block.Resize(n)
		raw := block.Data()
		for i := 0; i < n; i++ {
			t := float64(idat+i) / cmd.rate
			pulse := 0.0
			if _, frac := math.Modf(t / cmd.period); frac < cmd.duty {
				pulse = cmd.amplitude
			}
			for ipol := 0; ipol < obs.NPol; ipol++ {
				v := (pulse + cmd.noise*r.NormFloat64()) * full
				v = math.Max(math.Min(v, full-1), -full)
				binary.LittleEndian.PutUint16(raw[2*(i*obs.NPol+ipol):], uint16(int16(v)))
			}
		}
		if err := w.Write(context.Background(), block); err != nil {
			return err
		}
	}
	return nil
}
