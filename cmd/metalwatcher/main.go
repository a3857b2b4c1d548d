package main

import "metal-oracle-watcher/internal/cli"

func main() {
	cli.Execute()
}
