package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/whispapp/whisp/internal/app"
	"github.com/whispapp/whisp/internal/config"
	"github.com/whispapp/whisp/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	// A .env next to the binary overrides config.toml values via WHISP_*.
	_ = godotenv.Load()

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{Profile: name, Config: cfg}),
	).Run()
}
