package cli

import (
	"os"

	"github.com/lipdiffusion/orchestrator/cli/server"

	"gopkg.in/alecthomas/kingpin.v2"
)

// program version
var version = "0.0.0"

// Command parses the command line arguments and then executes a
// subcommand program.
func Command() {
	app := kingpin.New("orchestrator", "Media pipeline orchestration server")

	server.Register(app)

	kingpin.Version(version)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
