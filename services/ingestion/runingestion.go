package main

import "github.com/illmade-knight/machine-telemetry/services/ingestion/cmd"

func main() {
	cmd.Execute()
}
