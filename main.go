/*
Command-line tool for shipping PostgreSQL base backups to cloud object
storage.

Usage:

	$ cloudpg backup [<flags>] <destination_url> <server_name>

Use 'cloudpg help' to see more details.
*/
package main

import (
	"os"

	"github.com/cloudpg/cloudpg/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
