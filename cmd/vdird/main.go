// Command vdird is the per-project daemon: it owns one project's
// Manifest+VDir pair, serves IPC over a Unix domain socket, and keeps the
// manifest synchronized with the real filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/velo-sh/velo-rift-sub001/internal/daemon"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <project-root>\n", os.Args[0])
	}
	flag.Parse()

	root := flag.Arg(0)
	if root == "" {
		root, _ = os.Getwd()
	}

	d, err := daemon.Open(root)
	if err != nil {
		log.Fatalf("vdird: %v", err)
	}

	log.Printf("vdird: serving project %q", root)
	if err := d.Run(context.Background()); err != nil {
		log.Fatalf("vdird: %v", err)
	}
}
