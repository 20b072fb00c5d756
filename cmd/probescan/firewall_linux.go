//go:build linux

package main

import "os/exec"

func checkUnreachSuppression() bool {
	return exec.Command("iptables", "-C", "OUTPUT",
		"-p", "icmp", "--icmp-type", "port-unreachable", "-j", "DROP").Run() == nil
}

func unreachSuppressionHint() string {
	return "iptables -I OUTPUT 1 -p icmp --icmp-type port-unreachable -j DROP"
}
