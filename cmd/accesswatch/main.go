// accesswatch computes access-compliance KPIs from access snapshots, tracks
// threshold violations through their lifecycle, and dispatches alerts.
package main

import "github.com/ppiankov/accesswatch/internal/cli"

func main() {
	cli.Execute()
}
