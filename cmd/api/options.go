package main

import "github.com/spf13/pflag"

// options holds the command line overrides for treadmill-api.
type options struct {
	ConfigPath string
	LogLevel   string
}

// AddFlags binds the options to fs.
func (o *options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "path to a YAML config file")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "override log.level (debug, info, warn, error)")
}
