package main

import (
	"embed"
	"log"

	"github.com/spf13/pflag"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a wakelingo config file")
	pflag.Parse()

	app := NewApp(*configPath)
	err := wails.Run(&options.App{
		Title:  "Wakelingo",
		Width:  520,
		Height: 760,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		log.Fatalf("wakelingo: %v", err)
	}
}
