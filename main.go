// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/sysinst/sysinst/cmd/sysinst"

func main() {
	cmd.Execute()
}
