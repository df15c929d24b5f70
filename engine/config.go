package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	ForbidRuntimeChange uint8 = 1 << iota
	NeedEngineReConfig
	NeedRestartWatch
	NeedLoadWaitList
	NeedUpdateRSS
)

type Config struct {
	AutoStart             bool          `yaml:"AutoStart"`
	DownloadDirectory     string        `yaml:"DownloadDirectory"`
	WatchDirectory        string        `yaml:"WatchDirectory"`
	DataDirectory         string        `yaml:"DataDirectory"`
	EnableUpload          bool          `yaml:"EnableUpload"`
	EnableSeeding         bool          `yaml:"EnableSeeding"`
	IncomingPort          int           `yaml:"IncomingPort"`
	DoneCmd               string        `yaml:"DoneCmd"`
	SeedRatio             float32       `yaml:"SeedRatio"`
	SeedTime              time.Duration `yaml:"SeedTime"`
	UploadRate            string        `yaml:"UploadRate"`
	DownloadRate          string        `yaml:"DownloadRate"`
	MaxConcurrentTask     int           `yaml:"MaxConcurrentTask"`
	SequentialDownload    bool          `yaml:"SequentialDownload"`
	FirstLastPieceFirst   bool          `yaml:"FirstLastPieceFirst"`
	EnableDHT             bool          `yaml:"EnableDHT"` // reserved for a future DHT peer source
	EnablePEX             bool          `yaml:"EnablePEX"` // reserved for a future PEX peer source
	RssURL                string        `yaml:"RssURL"`
	CleanupKeepDays       int           `yaml:"CleanupKeepDays"`
	AllowRuntimeConfigure bool          `yaml:"AllowRuntimeConfigure"`
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName("seedcloud")
	viper.AddConfigPath("/etc/seedcloud/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath("$HOME/.seedcloud")
	viper.AddConfigPath(".")

	viper.SetDefault("DownloadDirectory", "./downloads")
	viper.SetDefault("WatchDirectory", "./torrents")
	viper.SetDefault("DataDirectory", defaultDataDir())
	viper.SetDefault("EnableUpload", true)
	viper.SetDefault("EnableSeeding", true)
	viper.SetDefault("AutoStart", true)
	viper.SetDefault("DoneCmd", "")
	viper.SetDefault("SeedRatio", 0)
	viper.SetDefault("SeedTime", "0")
	viper.SetDefault("IncomingPort", 6881)
	viper.SetDefault("MaxConcurrentTask", 0)
	viper.SetDefault("CleanupKeepDays", 0)
	viper.SetDefault("AllowRuntimeConfigure", true)

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound || os.IsNotExist(err) {
			configExists = false
			if specPath == "" {
				specPath = "./seedcloud.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	viper.Unmarshal(c)

	dirChanged, err := c.NormalizeConfigDir()
	if err != nil {
		return nil, err
	}
	if dirChanged {
		viper.Set("DownloadDirectory", c.DownloadDirectory)
		viper.Set("WatchDirectory", c.WatchDirectory)
		viper.Set("DataDirectory", c.DataDirectory)
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists || dirChanged {
		c.WriteYaml()
		log.Println("[config] config file written: ", cf)
	}

	return c, nil
}

// defaultDataDir is the platform-conventional per-user data directory.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "seedcloud")
	}
	return "./seedcloud-data"
}

func (c *Config) NormalizeConfigDir() (bool, error) {
	var changed bool
	for _, dir := range []*string{&c.DownloadDirectory, &c.WatchDirectory, &c.DataDirectory} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return false, fmt.Errorf("ERROR: Invalid path %s, %w", *dir, err)
		}
		if *dir != abs {
			changed = true
			*dir = abs
		}
	}
	return changed, nil
}

func (c *Config) Validate(nc *Config) uint8 {

	var status uint8

	if c.DoneCmd != nc.DoneCmd {
		status |= ForbidRuntimeChange
	}
	if c.DataDirectory != nc.DataDirectory {
		status |= ForbidRuntimeChange
	}
	if c.WatchDirectory != nc.WatchDirectory {
		status |= NeedRestartWatch
	}
	if c.MaxConcurrentTask < nc.MaxConcurrentTask {
		status |= NeedLoadWaitList
	}
	if c.RssURL != nc.RssURL {
		status |= NeedUpdateRSS
	}

	rfc := reflect.ValueOf(c)
	rfnc := reflect.ValueOf(nc)

	for _, field := range []string{"IncomingPort", "DownloadDirectory",
		"EnableUpload", "EnableSeeding", "UploadRate", "DownloadRate",
		"SequentialDownload", "FirstLastPieceFirst"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if cval.Interface() != ncval.Interface() {
			status |= NeedEngineReConfig
			break
		}
	}

	return status
}

func (c *Config) SyncViper(nc Config) {
	cv := reflect.ValueOf(*c)
	nv := reflect.ValueOf(nc)
	typeOfC := cv.Type()
	for i := 0; i < typeOfC.NumField(); i++ {
		if cv.Field(i).Interface() != nv.Field(i).Interface() {
			name := typeOfC.Field(i).Name
			oval := cv.Field(i).Interface()
			val := nv.Field(i).Interface()
			viper.Set(name, val)
			log.Println("config updated ", name, ": ", oval, " -> ", val)
		}
	}
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, d, 0666)
}
