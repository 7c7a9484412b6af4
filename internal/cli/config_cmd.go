package cli

import (
	"encoding/json"
	"runtime"

	"reimage/internal/config"
	"reimage/internal/engine"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

func (r *Root) configShow() error {
	cfgPath, err := config.Path()
	if err != nil {
		cfgPath = "(unresolved) " + err.Error()
	}
	r.printf("Config file: %s\n", cfgPath)
	b, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	r.printf("%s\n", b)
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("reimage %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
	st := engine.Locate(r.cfg.Engine.Path)
	if st.Available {
		r.printf("Engine: %s (available)\n", st.Path)
	} else {
		r.printf("Engine: %s (unavailable: %v)\n", r.cfg.Engine.Path, st.Error)
	}
	r.printf("Imaging backend: %s\n", r.cfg.Imaging.Backend)
	return nil
}
