/*
Package cmd implements the memcube command line. It loads the layered
configuration, assembles the memory stack from it and runs one of the
surfaces: the HTTP API, the MCP stdio server or the offline audit tools.
*/
package cmd

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/memcube/pkg/logging"
)

/*
Embed a mini filesystem into the binary to hold the default config file.
This will be written to the home directory of the user running the service,
which allows a developer to easily override the config file.
*/
//go:embed cfg/*
var embedded embed.FS

var (
	projectName = "memcube"
	cfgFile     string
	envFile     string

	rootCmd = &cobra.Command{
		Use:   "memcube",
		Short: "A memory orchestration engine for LLM agents",
		Long:  longRoot,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging("")
		},
	}
)

/*
legacyEnv maps config keys to the environment variables older deployments
set. They are honored next to the MEMCUBE_ prefixed names.
*/
var legacyEnv = map[string]string{
	"embedding.url":            "EMBED_API_URL",
	"embedding.api_key":        "EMBED_API_KEY",
	"embedding.model":          "EMBED_MODEL",
	"vector.qdrant.url":        "QDRANT_URL",
	"vector.qdrant.collection": "QDRANT_COLLECTION",
	"audit.path":               "AUDIT_LOG_PATH",
	"server.listen":            "MEMOS_LISTEN",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yml",
		"config file (default is $HOME/."+projectName+"/config.yml)",
	)

	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		".env",
		"dotenv file loaded before the config, ignored when missing",
	)
}

/*
initConfig writes the default config file to the user's home directory if it
doesn't exist, then reads it and layers the environment on top.
*/
func initConfig() {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("failed to load env file", "path", envFile, "error", err)
	}

	if err := writeConfig(); err != nil {
		log.Fatal("failed to write default config", "error", err)
	}

	home, _ := os.UserHomeDir()

	viper.SetConfigName(strings.TrimSuffix(cfgFile, filepath.Ext(cfgFile)))
	viper.SetConfigType("yml")
	viper.AddConfigPath(filepath.Join(home, "."+projectName))

	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("failed to read config", "error", err)
	}

	bindEnv(viper.GetViper())
}

// bindEnv lets MEMCUBE_SECTION_KEY and the legacy names override the file.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("MEMCUBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "MEMCUBE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))

		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			log.Warn("failed to bind env", "key", key, "error", err)
		}
	}
}

func configureLogging(file string) error {
	if file == "" {
		file = viper.GetString("log.file")
	}

	return logging.Configure(logging.Options{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		File:   file,
	})
}

/*
writeConfig writes the embedded default config to the user's home directory
unless a config is already there.
*/
func writeConfig() (err error) {
	var (
		home, _ = os.UserHomeDir()
		fh      fs.File
		buf     bytes.Buffer
	)

	configDir := filepath.Join(home, "."+projectName)

	if !CheckFileExists(configDir) {
		if err = os.MkdirAll(configDir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	fullPath := filepath.Join(configDir, cfgFile)

	if CheckFileExists(fullPath) {
		return nil
	}

	if fh, err = embedded.Open("cfg/config.yml"); err != nil {
		return fmt.Errorf("failed to open embedded config file: %w", err)
	}
	defer fh.Close()

	if _, err = io.Copy(&buf, fh); err != nil {
		return fmt.Errorf("failed to read embedded config file: %w", err)
	}

	if err = os.WriteFile(fullPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info("wrote config file", "path", fullPath)

	return nil
}

func CheckFileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !errors.Is(err, os.ErrNotExist)
}

var longRoot = `
memcube stores what an agent should remember. Every memory lives in a graph
store and a vector store at once, and every change is written to an audit log.

Run "memcube serve" for the HTTP API or "memcube mcp" to hand the memory tools
to an MCP client over stdio.
`
