// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	stdLog "log"

	"camrec"
)

func main() {
	if err := camrec.Run(); err != nil {
		stdLog.Fatalf("fatal error: %v", err)
	}
}
