package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr is a single TOML-decoded struct with one section per
// subsystem: engine tuning knobs, a listen address, a dial target, and
// an optional metrics address.
type configRepr struct {
	Engine struct {
		Mtu       int  `toml:"mtu"`
		SndWnd    int  `toml:"snd_wnd"`
		RcvWnd    int  `toml:"rcv_wnd"`
		Nodelay   int  `toml:"nodelay"`
		Interval  int  `toml:"interval"`
		Resend    int  `toml:"resend"`
		Nocwnd    bool `toml:"nocwnd"`
		Stream    bool `toml:"stream"`
		DeadLink  int  `toml:"dead_link"`
		FastLimit int  `toml:"fast_limit"`
	} `toml:"engine"`
	Listen struct {
		Addr string `toml:"addr"`
	} `toml:"listen"`
	Dial struct {
		Addr string `toml:"addr"`
		Conv uint32 `toml:"conv"`
	} `toml:"dial"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.Engine.Mtu == 0 {
		conf.Engine.Mtu = 1400
	}
	if conf.Engine.Interval == 0 {
		conf.Engine.Interval = 100
	}
	return &conf, nil
}
