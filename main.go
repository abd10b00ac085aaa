package main

import (
	"github.com/sirupsen/logrus"

	"github.com/set-io/vtx/cmd"
)

// version must be set from the contents of VERSION file by go build's
// -X main.version= option in the Makefile.
var version = "unknown"

// gitCommit will be the hash that the binary was built from
// and will be populated by the Makefile
var gitCommit = ""

const (
	usage = `thin VMX hypervisor core
vtx virtualizes logical processors with Intel VMX: every processor gets one
VCPU that takes over the code already running on it as its guest, handles its
vm exits with a pass-through policy and hands the processor back when asked.

Processors are provided by a software VMX implementation, so vtx runs on any
Linux host. To see what the processor supports:

    # vtx check

To virtualize the processors until interrupted:

    # vtx run [ -c vtx.yaml ]`
)

func main() {
	if err := cmd.Execute("vtx", usage, version, gitCommit); err != nil {
		logrus.Fatal(err)
	}
}
