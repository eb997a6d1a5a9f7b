package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

var cfgSequencer Sequencer

type Sequencer struct {
	LogLevel    string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFileName string `json:"log_filename" toml:"log_filename" yaml:"log_filename"`

	StorageType       string `json:"storage_type" toml:"storage_type" yaml:"storage_type"`
	StorageConnString string `json:"storage_connstring" toml:"storage_connstring" yaml:"storage_connstring"`

	SeqTable   string `json:"seq_table" toml:"seq_table" yaml:"seq_table"`
	StartVal   int64  `json:"start_val" toml:"start_val" yaml:"start_val"`
	BufferSize int64  `json:"buffer_size" toml:"buffer_size" yaml:"buffer_size"`
}

func initSequencerConfig(file *os.File, filepath string) error {
	if strings.HasSuffix(filepath, ".toml") {
		_, err := toml.NewDecoder(file).Decode(&cfgSequencer)
		return err
	}
	if strings.HasSuffix(filepath, ".yaml") {
		return yaml.NewDecoder(file).Decode(&cfgSequencer)
	}
	if strings.HasSuffix(filepath, ".json") {
		return json.NewDecoder(file).Decode(&cfgSequencer)
	}
	return fmt.Errorf("unknown config format type: %s. Use .toml, .yaml or .json suffix in filename", filepath)
}

func LoadSequencerCfg(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := initSequencerConfig(file, cfgPath); err != nil {
		return err
	}

	configBytes, err := json.MarshalIndent(&cfgSequencer, "", "  ")
	if err != nil {
		return err
	}

	log.Println("Running config:", string(configBytes))
	return nil
}

func SequencerConfig() *Sequencer {
	return &cfgSequencer
}
