package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	SslCertPath        string
	CorsAllowedOrigins []string
	LogLevel           string

	StorageRoot string
	MaxFileMB   int
	PageWorkers int

	Tesseract TesseractConfig
	Paddle    PaddleConfig

	LibreOfficeBin   string
	PdftoppmBin      string
	ConverterTimeout time.Duration

	ArchiveBackend string
	ArchiveWorkers int
	BucketName     string
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	S3Endpoint     string
}

// TesseractConfig tunes the fast engine.
type TesseractConfig struct {
	Languages      string
	PSM            int
	OEM            int
	ExtraFlags     string
	TessdataPrefix string
}

// PaddleConfig tunes the enhanced engine and the sidecar it talks to.
type PaddleConfig struct {
	URL          string
	Lang         string
	UseAngle     bool
	UseGPU       bool
	EnableMKLDNN bool
	CPUThreads   int
	DetModelDir  string
	RecModelDir  string
	Concurrency  int
	Timeout      time.Duration
}

// LoadConfig loads the environment variables and returns config
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		SslCertPath:        getEnv("SSL_CERT_PATH", ""),
		CorsAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),

		StorageRoot: getEnv("OCR_STORAGE_ROOT", "ocr_data"),
		MaxFileMB:   getEnvInt("OCR_MAX_FILE_MB", 25),
		PageWorkers: getEnvInt("OCR_PAGE_WORKERS", 4),

		Tesseract: TesseractConfig{
			Languages:      getEnv("OCR_TESS_LANGUAGES", "vie+eng"),
			PSM:            getEnvInt("OCR_TESS_PSM", 6),
			OEM:            getEnvInt("OCR_TESS_OEM", 1),
			ExtraFlags:     getEnv("OCR_TESS_CONFIG", ""),
			TessdataPrefix: getEnv("OCR_TESSDATA_PREFIX", ""),
		},
		Paddle: PaddleConfig{
			URL:          getEnv("OCR_PADDLE_URL", "http://localhost:8866"),
			Lang:         getEnv("OCR_PADDLE_LANG", "en"),
			UseAngle:     getEnvBool("OCR_PADDLE_USE_ANGLE", true),
			UseGPU:       getEnvBool("OCR_PADDLE_USE_GPU", false),
			EnableMKLDNN: getEnvBool("OCR_PADDLE_MKLDNN", true),
			CPUThreads:   getEnvInt("OCR_PADDLE_CPU_THREADS", 4),
			DetModelDir:  getEnv("OCR_PADDLE_DET_MODEL", ""),
			RecModelDir:  getEnv("OCR_PADDLE_REC_MODEL", ""),
			Concurrency:  getEnvInt("OCR_PADDLE_CONCURRENCY", 1),
			Timeout:      getEnvDuration("OCR_PADDLE_TIMEOUT", 2*time.Minute),
		},

		LibreOfficeBin:   getEnv("OCR_LIBREOFFICE_BIN", "libreoffice"),
		PdftoppmBin:      getEnv("OCR_PDFTOPPM_BIN", "pdftoppm"),
		ConverterTimeout: getEnvDuration("OCR_CONVERTER_TIMEOUT", 2*time.Minute),

		ArchiveBackend: strings.ToLower(getEnv("ARCHIVE_BACKEND", "none")),
		ArchiveWorkers: getEnvInt("ARCHIVE_WORKERS", 2),
		BucketName:     getEnv("BUCKET_NAME", "ocrflow-runs"),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if c.MaxFileMB <= 0 {
		errs = append(errs, errors.New("OCR_MAX_FILE_MB must be positive"))
	}
	if c.PageWorkers <= 0 {
		errs = append(errs, errors.New("OCR_PAGE_WORKERS must be positive"))
	}
	if c.Paddle.Concurrency <= 0 {
		errs = append(errs, errors.New("OCR_PADDLE_CONCURRENCY must be positive"))
	}
	if c.ConverterTimeout <= 0 {
		errs = append(errs, errors.New("OCR_CONVERTER_TIMEOUT must be positive"))
	}
	switch c.ArchiveBackend {
	case "none", "s3", "gcs":
	default:
		errs = append(errs, errors.New("ARCHIVE_BACKEND must be one of none, s3, gcs"))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("env value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("env value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
