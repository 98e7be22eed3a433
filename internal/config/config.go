// Package config loads the <bots> configuration document (spec.md §6;
// config.xml unless -c/--config names another file) and overlays it
// with command-line flags, the same override-only-if-
// unset precedence as the original's set_config/check_args split.
//
// This stays on the standard library's encoding/xml and flag: the
// document shape is a handful of attributes and a repeated child
// element, and the flag set is five switches, both too small to need a
// third-party config or CLI framework from the corpus.
package config

import (
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"os"
)

// BotEntry is one <bot> child of the <bots> document.
type BotEntry struct {
	Username   string `xml:"username,attr"`
	Password   string `xml:"password,attr"`
	EnginePath string `xml:"enginepath,attr"`
	Opponent   string `xml:"opponent,attr"`
}

// document mirrors the on-disk <bots server='' port='' log=''><bot .../>
// ...</bots> shape exactly; Config is the resolved, CLI-overlaid form
// callers actually use.
type document struct {
	XMLName xml.Name   `xml:"bots"`
	Server  string     `xml:"server,attr"`
	Port    int        `xml:"port,attr"`
	Log     string     `xml:"log,attr"`
	Bots    []BotEntry `xml:"bot"`
}

// Config is the fully resolved configuration: the document's values with
// any CLI flag override already applied.
type Config struct {
	Server  string
	Port    int
	LogFile string
	Bots    []BotEntry
}

// flags holds the overlay values from the command line; a field is
// considered "set" only if its flag was explicitly passed, so an unset
// flag never clobbers a value the document already supplied.
type flags struct {
	server   string
	port     int
	logFile  string
	confFile string
	setS     bool
	setP     bool
	setL     bool
}

// Parse parses args (normally os.Args[1:]) and loads the resulting
// configuration file, CLI flags overriding the document's server/port/
// log attributes when given. It exits the process with status 1 on
// -h/--help or a GetoptError-equivalent flag parse failure, matching
// spec.md §6's command-line contract.
func Parse(args []string) (*Config, error) {
	fl, confFile, err := parseFlags(args)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(confFile)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", confFile, err)
	}
	defer f.Close()

	cfg, err := loadDocument(f, fl)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", confFile, err)
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("config: missing server configuration")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("config: missing port configuration")
	}
	return cfg, nil
}

func parseFlags(args []string) (flags, string, error) {
	var fl flags
	fs := flag.NewFlagSet("chessdbot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addStringFlag := func(dst *string, set *bool, name, shorthand, usage string) {
		fn := func(v string) error {
			*dst = v
			*set = true
			return nil
		}
		fs.Func(name, usage, fn)
		fs.Func(shorthand, usage, fn)
	}
	addStringFlag(&fl.server, &fl.setS, "server", "s", "chess server host")
	addStringFlag(&fl.logFile, &fl.setL, "log", "l", "log file path")

	portSet := false
	portFn := func(v string) error {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		fl.port = p
		portSet = true
		return nil
	}
	fs.Func("port", "chess server port", portFn)
	fs.Func("p", "chess server port", portFn)

	confFile := "config.xml"
	fs.StringVar(&confFile, "config", confFile, "configuration file")
	fs.StringVar(&confFile, "c", confFile, "configuration file")

	help := false
	fs.BoolVar(&help, "help", false, "show usage")
	fs.BoolVar(&help, "h", false, "show usage")

	if err := fs.Parse(args); err != nil {
		usage(fs)
		os.Exit(1)
	}
	if help {
		usage(fs)
		os.Exit(1)
	}
	fl.setP = portSet
	return fl, confFile, nil
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: chessdbot [-s|--server host] [-p|--port n] [-l|--log file] [-c|--config file]")
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
}

func loadDocument(r io.Reader, fl flags) (*Config, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:  doc.Server,
		Port:    doc.Port,
		LogFile: doc.Log,
		Bots:    doc.Bots,
	}
	if fl.setS {
		cfg.Server = fl.server
	}
	if fl.setP {
		cfg.Port = fl.port
	}
	if fl.setL {
		cfg.LogFile = fl.logFile
	}
	return cfg, nil
}
