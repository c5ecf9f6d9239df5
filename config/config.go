package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Storage StorageConfig `yaml:"storage"`
	OCR     OCRConfig     `yaml:"ocr"`
	Amo     AmoConfig     `yaml:"amo"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type StorageConfig struct {
	// Backend selects where uploaded images are kept: "local" or "minio".
	Backend     string      `yaml:"backend"`
	UploadDir   string      `yaml:"upload_dir"`
	MaxUploadMB int64       `yaml:"max_upload_mb"`
	Minio       MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type OCRConfig struct {
	APIURL      string  `yaml:"api_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type AmoConfig struct {
	Domain       string `yaml:"domain"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type AuthConfig struct {
	AdminPassword    string `yaml:"admin_password"`
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "ocr_crm"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "uploads"
	}
	if cfg.Storage.MaxUploadMB == 0 {
		cfg.Storage.MaxUploadMB = 10
	}
	if cfg.Storage.Minio.ExpireDays == 0 {
		cfg.Storage.Minio.ExpireDays = 7
	}
	if cfg.OCR.APIURL == "" {
		cfg.OCR.APIURL = "https://openrouter.ai/api/v1"
	}
	if cfg.OCR.Model == "" {
		cfg.OCR.Model = "google/gemini-2.0-flash-001"
	}
	if cfg.OCR.MaxTokens == 0 {
		cfg.OCR.MaxTokens = 1000
	}
	if cfg.OCR.Temperature == 0 {
		cfg.OCR.Temperature = 0.1
	}
	if cfg.Auth.AdminPassword == "" {
		cfg.Auth.AdminPassword = "admin"
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}

	GlobalConfig = &cfg
	return &cfg, nil
}
