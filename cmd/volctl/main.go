// Command volctl administers a volrep cluster. Placement changes go to the
// placement service; reads and writes go to the volume's coordinator node.
//
//	volctl assign vol-1 --replicas n1,n2,n3 --coordinator n1
//	volctl put vol-1 greeting hello
//	volctl get vol-1 greeting
//	volctl status vol-1
//	volctl nodes
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
