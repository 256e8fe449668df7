package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// errUsage marks invalid command-line input. It is detected before any server is
// started.
var errUsage = errors.New("usage error")

type commandKind int

const (
	commandForecast commandKind = iota
	commandAlerts
	commandTools
)

// command is a validated invocation: either one tool call or a tool listing.
type command struct {
	kind commandKind
	tool string
	args any

	// filter selects the tools to list; nil lists all of them.
	filter glob.Glob
}

type forecastArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type alertsArgs struct {
	State string `json:"state"`
}

const usageText = `Usage:
  weather [flags] forecast <lat> <lon>   get the forecast for a location
  weather [flags] alerts <STATE>         get active alerts for a two-letter US state code
  weather [flags] tools [PATTERN]        list the tools the server offers, optionally
                                         only those whose name matches a glob PATTERN

Flags:
`

func printUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// parseCommand validates the positional arguments.
func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, usageErrorf("missing command")
	}

	switch args[0] {
	case "forecast":
		if len(args) != 3 {
			return command{}, usageErrorf("forecast takes exactly two arguments, <lat> <lon>")
		}
		lat, err := parseCoordinate(args[1], "latitude", 90)
		if err != nil {
			return command{}, err
		}
		lon, err := parseCoordinate(args[2], "longitude", 180)
		if err != nil {
			return command{}, err
		}
		return command{
			kind: commandForecast,
			tool: "get-forecast",
			args: forecastArgs{Latitude: lat, Longitude: lon},
		}, nil

	case "alerts":
		if len(args) != 2 {
			return command{}, usageErrorf("alerts takes exactly one argument, <STATE>")
		}
		state, err := parseStateCode(args[1])
		if err != nil {
			return command{}, err
		}
		return command{
			kind: commandAlerts,
			tool: "get-alerts",
			args: alertsArgs{State: state},
		}, nil

	case "tools":
		switch len(args) {
		case 1:
			return command{kind: commandTools}, nil
		case 2:
			filter, err := glob.Compile(args[1])
			if err != nil {
				return command{}, usageErrorf("invalid tool pattern %q: %v", args[1], err)
			}
			return command{kind: commandTools, filter: filter}, nil
		default:
			return command{}, usageErrorf("tools takes at most one argument, [PATTERN]")
		}

	default:
		return command{}, usageErrorf("unknown command %q", args[0])
	}
}

func parseCoordinate(s, name string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, usageErrorf("%s must be a number, got %q", name, s)
	}
	if v < -limit || v > limit {
		return 0, usageErrorf("%s must be between -%g and %g, got %g", name, limit, limit, v)
	}
	return v, nil
}

func parseStateCode(s string) (string, error) {
	if len(s) != 2 || !isASCIILetter(s[0]) || !isASCIILetter(s[1]) {
		return "", usageErrorf("state must be a two-letter code such as CA, got %q", s)
	}
	return strings.ToUpper(s), nil
}

func isASCIILetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
