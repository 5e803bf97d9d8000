package main

import (
	"fmt"
	"log"
	"os"

	"fleetops/internal/app"
	"fleetops/internal/config"

	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	var migrateOnly bool
	flagSet := pflag.NewFlagSet("fleetops", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ServerAddress, "address", cfg.ServerAddress, "address to listen on")
	flagSet.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: postgres or memory")
	flagSet.StringVar(&cfg.DirectoryFile, "directory", cfg.DirectoryFile, "path to the actor directory YAML file")
	flagSet.StringVar(&cfg.PoliciesFile, "policies", cfg.PoliciesFile, "path to the category policies YAML file")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply database migrations and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if migrateOnly {
		if err := app.Migrate(cfg); err != nil {
			log.Fatal(err)
		}
		log.Println("Migrations applied.")
		return
	}

	app, err := app.NewApp(app.WithConfig(cfg))
	if err != nil {
		log.Fatal(err)
	}

	app.Run()
}
