package main

import (
	"flag"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dudk/pulsefold/config"
)

type defaultsCommand struct{}

func (cmd *defaultsCommand) Name() string {
	return "defaults"
}

func (cmd *defaultsCommand) Help() string {
	return "Show the default configuration"
}

func (cmd *defaultsCommand) Register(*flag.FlagSet) {}

func (cmd *defaultsCommand) Run(stdout io.Writer) error {
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return enc.Encode(config.Default())
}
