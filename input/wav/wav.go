// Package wav reads and writes 16 bit PCM WAV files. Audio channels are
// mapped onto polarizations of a single frequency channel.
package wav

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/input"
	"github.com/dudk/pulsefold/signal"
)

type (
	// Input reads windows from a wav file.
	// This component cannot be reused for consequent runs.
	Input struct {
		*input.Reader
		path string
		file *os.File
	}

	// Writer saves digitized samples to a wav file.
	Writer struct {
		path    string
		obs     signal.Observation
		file    *os.File
		encoder *wav.Encoder
		buffer  *audio.IntBuffer
	}

	// pcm decodes samples into little endian 16 bit values.
	pcm struct {
		decoder *wav.Decoder
		buffer  *audio.IntBuffer
	}
)

// Option sets descriptor fields a wav file does not carry.
type Option func(*signal.Observation)

// WithStart sets the time of the first sample.
func WithStart(start signal.MJD) Option {
	return func(o *signal.Observation) {
		o.Start = start
	}
}

// WithBand sets centre frequency and bandwidth in MHz.
func WithBand(centre, bandwidth float64) Option {
	return func(o *signal.Observation) {
		o.CentreFrequency = centre
		o.Bandwidth = bandwidth
	}
}

// Open opens the wav file at path.
func Open(path string, options ...Option) (*Input, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fault.IO("wav.Open", err)
	}
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, fault.Unsupported("wav.Open", "%s is not a valid wav file", path)
	}
	if signal.BitDepth(decoder.BitDepth) != signal.BitDepth16 {
		file.Close()
		return nil, fault.Unsupported("wav.Open", "bit depth %d", decoder.BitDepth)
	}
	if err := decoder.FwdToPCM(); err != nil {
		file.Close()
		return nil, fault.IO("wav.Open", err)
	}
	format := decoder.Format()
	obs := signal.Observation{
		Rate:  float64(format.SampleRate),
		NChan: 1,
		NPol:  format.NumChannels,
		NDim:  1,
		NBit:  int(decoder.BitDepth),
	}
	for _, option := range options {
		option(&obs)
	}
	r, err := input.NewReader(&pcm{
		decoder: decoder,
		buffer: &audio.IntBuffer{
			Format:         format,
			SourceBitDepth: int(decoder.BitDepth),
		},
	}, obs)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Input{
		Reader: r,
		path:   path,
		file:   file,
	}, nil
}

// Close closes the file.
func (in *Input) Close() error {
	if err := in.file.Close(); err != nil {
		return fault.IO("wav.Close", err)
	}
	return nil
}

// Read fills p with whole decoded values.
func (p *pcm) Read(b []byte) (int, error) {
	n := len(b) / 2
	if n == 0 {
		return 0, nil
	}
	if cap(p.buffer.Data) < n {
		p.buffer.Data = make([]int, n)
	}
	p.buffer.Data = p.buffer.Data[:n]
	read, err := p.decoder.PCMBuffer(p.buffer)
	if err != nil {
		return 0, err
	}
	if read == 0 {
		return 0, io.EOF
	}
	for i, v := range p.buffer.Data[:read] {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(v)))
	}
	return 2 * read, nil
}

// Create creates a wav file at path for samples described by obs. Only
// single channel 16 bit real samples can be written.
func Create(path string, obs signal.Observation) (*Writer, error) {
	if obs.NChan != 1 || obs.NDim != 1 || signal.BitDepth(obs.NBit) != signal.BitDepth16 {
		return nil, fault.Unsupported("wav.Create", "nchan=%d ndim=%d nbit=%d", obs.NChan, obs.NDim, obs.NBit)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fault.IO("wav.Create", err)
	}
	sampleRate := int(obs.Rate)
	return &Writer{
		path:    path,
		obs:     obs,
		file:    f,
		encoder: wav.NewEncoder(f, sampleRate, obs.NBit, obs.NPol, 1),
		buffer: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: obs.NPol,
				SampleRate:  sampleRate,
			},
			SourceBitDepth: obs.NBit,
		},
	}, nil
}

// Write appends the samples of b.
func (w *Writer) Write(_ context.Context, b *signal.BitSeries) error {
	if reason := w.obs.Mismatch(b.Observation, nil); reason != "" {
		return fault.InvalidState("wav.Write", "%s", reason)
	}
	raw := b.Data()
	n := len(raw) / 2
	if cap(w.buffer.Data) < n {
		w.buffer.Data = make([]int, n)
	}
	w.buffer.Data = w.buffer.Data[:n]
	for i := range w.buffer.Data {
		w.buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(raw[2*i:])))
	}
	if err := w.encoder.Write(w.buffer); err != nil {
		return fault.IO("wav.Write", err)
	}
	return nil
}

// Close flushes the encoder and closes the file.
func (w *Writer) Close() error {
	if err := w.encoder.Close(); err != nil {
		return fault.IO("wav.Close", err)
	}
	if err := w.file.Close(); err != nil {
		return fault.IO("wav.Close", err)
	}
	return nil
}
