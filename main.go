package main

import (
	"github.com/motionsignal/motionlink/cmd"
	"github.com/motionsignal/motionlink/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
