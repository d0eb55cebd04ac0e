// Command recalc runs batch jobs against the attendance store: recalculation
// (or its preview), the auto-timeout sweep and the completion scan.
package main

import "github.com/warp/attendance-engine/cmd/recalc/arg"

func main() {
	arg.Execute()
}
