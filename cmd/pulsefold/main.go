package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

type cli struct {
	args   []string
	stdout io.Writer
}

type command interface {
	Name() string
	Help() string
	Run(stdout io.Writer) error
	Register(*flag.FlagSet)
}

func (c *cli) run() int {
	cmdName, args := parseArgs(c.args)
	if cmdName == "" {
		c.printUsage()
		return errorExitCode
	}

	for _, cmd := range commands() {
		if cmd.Name() != cmdName {
			continue
		}
		flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(c.stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	c.printUsage()
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
)

func commands() []command {
	return []command{&foldCommand{}, &simulateCommand{}, &defaultsCommand{}}
}

func main() {
	c := cli{
		args:   os.Args,
		stdout: os.Stdout,
	}
	os.Exit(c.run())
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stdout, "Pulsefold folds digitized radio telescope data into pulse profiles")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "Usage: pulsefold <command>")
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "Commands:")
	for _, cmd := range commands() {
		fmt.Fprintf(c.stdout, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
