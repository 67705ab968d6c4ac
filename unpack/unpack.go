// Package unpack converts digitized samples into floating point samples.
package unpack

import (
	"context"
	"encoding/binary"

	"github.com/dudk/pulsefold/fault"
	"github.com/dudk/pulsefold/signal"
	"github.com/dudk/pulsefold/transform"
)

// Config of the unpacker.
type Config struct {
	// Scale multiplies every unpacked value. Zero maps the full scale of
	// the input bit depth onto [-1, 1].
	Scale float64
}

// Unpacker is an out-of-place stage which converts time-major two's
// complement integers into frequency-major floats. 8 and 16 bit samples
// are supported, 16 bit samples are little endian.
type Unpacker struct {
	*transform.Transformation[*signal.BitSeries, *signal.TimeSeries]
	cfg   Config
	scale float32
}

// New returns an unpacker.
func New(cfg Config, options ...transform.Option) *Unpacker {
	u := &Unpacker{cfg: cfg}
	u.Transformation = transform.New("unpack", transform.OutOfPlace, u.unpack, options...)
	u.CheckInput(func(in *signal.BitSeries) error {
		return supported(in.NBit)
	})
	return u
}

func supported(nbit int) error {
	switch signal.BitDepth(nbit) {
	case signal.BitDepth8, signal.BitDepth16:
		return nil
	}
	return fault.Unsupported("unpack", "nbit=%d", nbit)
}

// Prepare returns the descriptor of unpacked data.
func (u *Unpacker) Prepare(in signal.Observation) (signal.Observation, error) {
	if err := supported(in.NBit); err != nil {
		return signal.Observation{}, err
	}
	u.scale = float32(u.cfg.Scale)
	if u.scale == 0 {
		u.scale = float32(1 / signal.BitDepth(in.NBit).FullScale())
	}
	out := in
	out.NBit = 32
	out.Order = signal.OrderFPT
	return out, nil
}

// MinimumSamples returns one, every sample is unpacked on its own.
func (*Unpacker) MinimumSamples() int {
	return 1
}

func (u *Unpacker) unpack(_ context.Context, in *signal.BitSeries, out *signal.TimeSeries) error {
	if u.scale == 0 {
		if _, err := u.Prepare(in.Observation); err != nil {
			return err
		}
	}
	obs := in.Observation
	obs.NBit = 32
	obs.Order = signal.OrderFPT
	out.Observation = obs
	out.Resize(in.NDat)

	raw := in.Data()
	var (
		depth  = signal.BitDepth(in.NBit)
		size   = depth.Bytes()
		nfloat = in.NFloat()
	)
	for ichan := 0; ichan < in.NChan; ichan++ {
		for ipol := 0; ipol < in.NPol; ipol++ {
			dst := out.Datptr(ichan, ipol)
			first := (ichan*in.NPol + ipol) * in.NDim
			for idat := 0; idat < in.NDat; idat++ {
				for idim := 0; idim < in.NDim; idim++ {
					offset := (idat*nfloat + first + idim) * size
					var v float32
					switch depth {
					case signal.BitDepth8:
						v = float32(int8(raw[offset]))
					case signal.BitDepth16:
						v = float32(int16(binary.LittleEndian.Uint16(raw[offset:])))
					}
					dst[idat*in.NDim+idim] = v * u.scale
				}
			}
		}
	}
	return nil
}
