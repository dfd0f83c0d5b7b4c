// Command mixcored runs the mixing core and its operator surface.
//
// Usage:
//
//	mixcored serve [--config path]
//	mixcored status
//	mixcored session show <id>
//	mixcored alerts list
//	mixcored alerts ack <id>
//	mixcored alerts resolve <id>
//	mixcored maintenance on|off [reason]
//
// Exit codes: 0 success, 1 unrecoverable error at startup, 2 invalid
// arguments.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "status":
		return cmdStatus()
	case "session":
		if len(args) != 3 || args[1] != "show" {
			usage()
			return 2
		}
		return cmdSessionShow(args[2])
	case "alerts":
		if len(args) < 2 {
			usage()
			return 2
		}
		switch args[1] {
		case "list":
			return cmdAlertsList()
		case "ack", "resolve":
			if len(args) != 3 {
				usage()
				return 2
			}
			return cmdAlertsAction(args[1], args[2])
		default:
			usage()
			return 2
		}
	case "maintenance":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			usage()
			return 2
		}
		reason := ""
		if len(args) > 2 {
			reason = args[2]
		}
		return cmdMaintenance(args[1] == "on", reason)
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "mixcored: unknown command %q\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: mixcored <command>

  serve                      start the mixing core
  status                     health summary of the running core
  session show <id>          show one session's state
  alerts list                list active alerts
  alerts ack <id>            acknowledge an alert
  alerts resolve <id>        resolve an alert
  maintenance on|off [why]   toggle maintenance mode
`)
}
