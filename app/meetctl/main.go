package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/cli"
	"github.com/yoockh/meetstream/internal/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.New("")
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{})

	deps := &cli.Dependencies{Out: os.Stdout, Log: log}
	if err := cli.NewRootCmd(deps).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
