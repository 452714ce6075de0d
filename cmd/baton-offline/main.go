package main

import (
	"context"
	"fmt"
	"os"

	"github.com/conductorone/baton-offline/pkg/cli"
	"github.com/conductorone/baton-offline/pkg/config"
)

var version = "dev"

func main() {
	ctx := context.Background()

	v, err := config.NewViper()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	cmd, err := cli.DefineCommands(ctx, "baton-offline", version, v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	err = cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
