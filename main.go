package main

import "tickerwatch/internal/cli"

func main() {
	cli.Execute()
}
