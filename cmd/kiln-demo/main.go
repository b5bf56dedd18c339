// Package main is the entry point for kiln-demo.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "kiln-demo.yaml"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kiln-demo",
	Short: "Demo harness for the kiln component registry",
	Long: `kiln-demo wires a small application graph through kiln: a store, a
mutually-referencing indexer and searcher pair, and a server on top. It
builds the graph, resolves the construction cycle with an early reference,
optionally prints a registry snapshot, and tears everything down in
dependency order.`,
}

func init() {
	// Global flags available to all subcommands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/kiln-demo/"+defaultConfigFile+")")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
