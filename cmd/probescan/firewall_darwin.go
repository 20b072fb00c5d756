//go:build darwin

package main

import (
	"os/exec"
	"strings"
)

func checkUnreachSuppression() bool {
	out, err := exec.Command("pfctl", "-sr").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "icmp-type unreach code port-unr")
}

func unreachSuppressionHint() string {
	return `echo "block drop out proto icmp icmp-type unreach code port-unr" | sudo pfctl -ef -`
}
