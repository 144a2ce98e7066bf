package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/builder"
	"github.com/stillunfolding/capastrophic/internal/capinfo"
	"github.com/stillunfolding/capastrophic/internal/config"
	"github.com/stillunfolding/capastrophic/internal/envelope"
	"github.com/stillunfolding/capastrophic/internal/exp"
	"github.com/stillunfolding/capastrophic/internal/logging"
	"github.com/stillunfolding/capastrophic/internal/parser"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "capastrophic",
	Short: "Inspect and manipulate Java Card CAP and EXP files",
}

var cap2jsonCmd = &cobra.Command{
	Use:   "cap2json <file>",
	Short: "Read a CAP file and generate the parsed JSON representation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCap2JSON,
}

var exp2jsonCmd = &cobra.Command{
	Use:   "exp2json <file>",
	Short: "Read an EXP file and generate the parsed JSON representation",
	Args:  cobra.ExactArgs(1),
	RunE:  runExp2JSON,
}

var json2capCmd = &cobra.Command{
	Use:   "json2cap <file>",
	Short: "Rebuild a CAP file from its JSON representation (shallow mode)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJSON2CAP,
}

var capinfoCmd = &cobra.Command{
	Use:   "capinfo <file>",
	Short: "Print general information of a package: AID, applets, imports",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapInfo,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	// i/o
	rootCmd.PersistentFlags().StringP("output", "o", "", "output file path (default: autogenerated with timestamp)")
	rootCmd.PersistentFlags().Bool("overwrite", false, "overwrite existing file if the output file name is not unique")
	rootCmd.PersistentFlags().BoolP("print", "p", false, "print the JSON to stdout")

	// capinfo settings
	rootCmd.PersistentFlags().String("aid-database", "aid_db.json", "path to the AID name database JSON file")

	// other opts
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-output-dir", "", "directory to write log files (if set, logs go to both stderr and file)")

	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("overwrite", rootCmd.PersistentFlags().Lookup("overwrite"))
	viper.BindPFlag("print", rootCmd.PersistentFlags().Lookup("print"))
	viper.BindPFlag("aid_database", rootCmd.PersistentFlags().Lookup("aid-database"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_output_dir", rootCmd.PersistentFlags().Lookup("log-output-dir"))

	rootCmd.AddCommand(cap2jsonCmd, exp2jsonCmd, json2capCmd, capinfoCmd)
}

// initConfig reads in config file and environment variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "capastrophic"))
		}
		viper.AddConfigPath("/etc/capastrophic")
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
	}

	viper.SetEnvPrefix("CAPASTROPHIC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setup unmarshals the merged configuration and initializes logging.
func setup(inputFile string) (*config.Config, error) {
	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.InputFile = inputFile

	if err := logging.Setup(cfg.LogLevel, cfg.LogOutputDir); err != nil {
		return nil, fmt.Errorf("could not set up logging: %w", err)
	}
	return cfg, nil
}

// outputPath resolves the output file name: the explicit flag when
// given, otherwise output/<timestamp>_<input-name><suffix>.
func outputPath(cfg *config.Config, suffix string) (string, error) {
	if cfg.OutputFile != "" {
		if _, err := os.Stat(cfg.OutputFile); err == nil && !cfg.Overwrite {
			return "", fmt.Errorf("output file %q already exists; use --overwrite or provide a new name", cfg.OutputFile)
		}
		return cfg.OutputFile, nil
	}
	base := filepath.Base(cfg.InputFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	timestamp := time.Now().Format("20060102_150405")
	return filepath.Join("output", fmt.Sprintf("%s_%s%s", timestamp, base, suffix)), nil
}

// emitJSON prints and/or writes a generated JSON document. With --print
// the file is only written when an explicit output path was given.
func emitJSON(cfg *config.Config, data []byte, suffix string) error {
	if cfg.Print {
		fmt.Println(string(data))
	}
	if cfg.Print && cfg.OutputFile == "" {
		return nil
	}

	path, err := outputPath(cfg, suffix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	slog.Info("parsed file written", "output", path)
	return nil
}

func runCap2JSON(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0])
	if err != nil {
		return err
	}

	slog.Info("parsing CAP file", "input", cfg.InputFile)

	data, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		return fmt.Errorf("failed to open CAP file: %w", err)
	}
	entries, err := envelope.ReadCAP(data)
	if err != nil {
		return err
	}
	capFile, err := parser.Parse(entries)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(capFile.Components, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding intermediate form: %w", err)
	}
	return emitJSON(cfg, out, "_cap.json")
}

func runExp2JSON(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0])
	if err != nil {
		return err
	}

	slog.Info("parsing EXP file", "input", cfg.InputFile)

	data, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		return fmt.Errorf("failed to open EXP file: %w", err)
	}
	record, err := exp.Parse(data)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding intermediate form: %w", err)
	}
	return emitJSON(cfg, out, "_exp.json")
}

func runJSON2CAP(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0])
	if err != nil {
		return err
	}

	slog.Info("building CAP file", "input", cfg.InputFile)

	data, err := os.ReadFile(cfg.InputFile)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	capBytes, err := builder.BuildCAP(data)
	if err != nil {
		return err
	}

	path, err := outputPath(cfg, "_json.cap")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, capBytes, 0o644); err != nil {
		return fmt.Errorf("writing CAP file: %w", err)
	}
	slog.Info("generated CAP file written", "output", path)
	return nil
}

func runCapInfo(cmd *cobra.Command, args []string) error {
	cfg, err := setup(args[0])
	if err != nil {
		return err
	}

	components, err := loadComponents(cfg.InputFile)
	if err != nil {
		return err
	}
	summary := capinfo.FromComponents(components)

	fmt.Println()
	if summary.PackageAID != "" {
		fmt.Println("Package:")
		fmt.Printf("\t- %s (v%s)\n\n", strings.ToUpper(summary.PackageAID), summary.PackageVersion)
	}
	if len(summary.AppletAIDs) > 0 {
		fmt.Println("Applets:")
		for _, aid := range summary.AppletAIDs {
			fmt.Printf("\t- %s\n", strings.ToUpper(aid))
		}
		fmt.Println()
	}
	if len(summary.Imports) > 0 {
		fmt.Println("Imports:")
		for _, imp := range summary.Imports {
			name := capinfo.ResolvePackageName(cfg.AIDDatabase, imp.AID, imp.Version)
			fmt.Printf("\t- %s (v%s) (%s)\n", strings.ToUpper(imp.AID), imp.Version, name)
		}
		fmt.Println()
	}
	return nil
}

// loadComponents returns the intermediate form of a CAP or JSON file.
func loadComponents(path string) (*orderedmap.OrderedMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return builder.FromJSON(data)
	}
	entries, err := envelope.ReadCAP(data)
	if err != nil {
		return nil, err
	}
	capFile, err := parser.Parse(entries)
	if err != nil {
		return nil, err
	}
	return capFile.Components, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
